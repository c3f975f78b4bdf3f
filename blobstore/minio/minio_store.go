package minio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hupe1980/bitharbor/blobstore"
	"github.com/hupe1980/bitharbor/errs"
)

// DialConfig describes a MinIO endpoint.
type DialConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	Secure    bool
	Region    string
}

// Store is a blobstore.BlobStore over a MinIO bucket.
type Store struct {
	client   *minio.Client
	bucket   string
	prefix   string
	partSize uint64
	logger   *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix namespaces every key under prefix (e.g. "harbor/").
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = strings.Trim(prefix, "/") }
}

// WithPartSize sets the multipart chunk size for streamed uploads. Asset
// uploads have unknown length, so the client buffers one part at a time.
func WithPartSize(n uint64) Option {
	return func(s *Store) {
		if n > 0 {
			s.partSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// DefaultPartSize is the multipart chunk size for streamed uploads.
const DefaultPartSize = 16 << 20

// NewStore wraps an existing client.
func NewStore(client *minio.Client, bucket string, optFns ...Option) *Store {
	s := &Store{
		client:   client,
		bucket:   bucket,
		partSize: DefaultPartSize,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, fn := range optFns {
		fn(s)
	}
	return s
}

// Dial connects to cfg.Endpoint and creates the bucket if it is missing.
func Dial(ctx context.Context, cfg DialConfig, optFns ...Option) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, errs.Data("minio dial", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, classify("minio bucket", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, classify("minio bucket", err)
		}
	}
	s := NewStore(client, cfg.Bucket, append([]Option{WithPrefix(cfg.Prefix)}, optFns...)...)
	s.logger.Debug("minio store ready", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket, "prefix", s.prefix)
	return s, nil
}

func (s *Store) key(name string) string {
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

func (s *Store) name(key string) string {
	if s.prefix == "" {
		return key
	}
	return strings.TrimPrefix(strings.TrimPrefix(key, s.prefix), "/")
}

func isNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return true
	}
	return false
}

// classify maps a client error onto the error taxonomy. Misses become
// blobstore.ErrNotFound; permission and request errors are data errors;
// everything else is retriable.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return fmt.Errorf("%s: %w", op, blobstore.ErrNotFound)
	}
	switch minio.ToErrorResponse(err).Code {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "InvalidBucketName", "NoSuchBucket":
		return errs.Data(op, err)
	}
	return errs.Transient(op, err)
}

// Open stats name and returns a range-reading handle.
func (s *Store) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	key := s.key(name)
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, classify("minio open "+name, err)
	}
	return &minioBlob{client: s.client, bucket: s.bucket, key: key, size: info.Size}, nil
}

// Put uploads data in a single request.
func (s *Store) Put(ctx context.Context, name string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(name), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		SendContentMd5: true,
		ContentType:    "application/octet-stream",
	})
	return classify("minio put "+name, err)
}

// Create streams an upload through a pipe. The object appears when Close
// completes the upload; Abort cancels it.
func (s *Store) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	key := s.key(name)
	pr, pw := io.Pipe()
	w := &minioWritableBlob{pw: pw, done: make(chan error, 1)}
	go func() {
		_, err := s.client.PutObject(ctx, s.bucket, key, pr, -1, minio.PutObjectOptions{
			PartSize:    s.partSize,
			ContentType: "application/octet-stream",
		})
		_ = pr.CloseWithError(err)
		w.done <- classify("minio upload "+name, err)
	}()
	return w, nil
}

// Delete removes name. A missing object is not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.key(name), minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return classify("minio delete "+name, err)
	}
	return nil
}

// List returns the sorted names under prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	full := s.key(prefix)
	if strings.HasSuffix(prefix, "/") && !strings.HasSuffix(full, "/") {
		full += "/"
	}
	var names []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: full, Recursive: true}) {
		if obj.Err != nil {
			return nil, classify("minio list "+prefix, obj.Err)
		}
		if n := s.name(obj.Key); n != "" {
			names = append(names, n)
		}
	}
	slices.Sort(names)
	return names, nil
}

type minioBlob struct {
	client *minio.Client
	bucket string
	key    string
	size   int64
}

func (b *minioBlob) Size() int64  { return b.size }
func (b *minioBlob) Close() error { return nil }

func (b *minioBlob) object(ctx context.Context, off, length int64) (*minio.Object, int64, error) {
	end := min(off+length, b.size) - 1
	opts := minio.GetObjectOptions{}
	if err := opts.SetRange(off, end); err != nil {
		return nil, 0, errs.Data("minio range", err)
	}
	obj, err := b.client.GetObject(ctx, b.bucket, b.key, opts)
	if err != nil {
		return nil, 0, classify("minio get", err)
	}
	return obj, end - off + 1, nil
}

func (b *minioBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if off >= b.size {
		return 0, io.EOF
	}
	obj, n, err := b.object(ctx, off, int64(len(p)))
	if err != nil {
		return 0, err
	}
	defer obj.Close()

	read, err := io.ReadFull(obj, p[:n])
	if err != nil {
		return read, classify("minio read", err)
	}
	if n < int64(len(p)) {
		return read, io.EOF
	}
	return read, nil
}

func (b *minioBlob) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	if off >= b.size {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	obj, _, err := b.object(ctx, off, length)
	return obj, err
}

var errUploadAborted = errors.New("upload aborted")

type minioWritableBlob struct {
	pw       *io.PipeWriter
	done     chan error
	finished atomic.Bool
}

func (w *minioWritableBlob) Write(p []byte) (int, error) { return w.pw.Write(p) }

// Sync is a no-op; the upload is finalized on Close.
func (w *minioWritableBlob) Sync() error { return nil }

func (w *minioWritableBlob) Close() error {
	if !w.finished.CompareAndSwap(false, true) {
		return errors.New("minio upload already finished")
	}
	if err := w.pw.Close(); err != nil {
		return err
	}
	return <-w.done
}

func (w *minioWritableBlob) Abort() error {
	if !w.finished.CompareAndSwap(false, true) {
		return nil
	}
	_ = w.pw.CloseWithError(errUploadAborted)
	<-w.done
	return nil
}
