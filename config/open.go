package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/hupe1980/bitharbor"
	"github.com/hupe1980/bitharbor/blobstore"
	"github.com/hupe1980/bitharbor/blobstore/minio"
	"github.com/hupe1980/bitharbor/blobstore/s3"
	"github.com/hupe1980/bitharbor/embedding"
	"github.com/hupe1980/bitharbor/errs"
	"github.com/hupe1980/bitharbor/index"
	"github.com/hupe1980/bitharbor/metadata"
)

// Instance is a store opened from a Config. Close releases the Harbor and
// the components the Config created for it.
type Instance struct {
	*bitharbor.Harbor
	closers []func() error
}

// Close closes the Harbor, then the metadata store.
func (in *Instance) Close() error {
	errList := []error{in.Harbor.Close()}
	for i := len(in.closers) - 1; i >= 0; i-- {
		errList = append(errList, in.closers[i]())
	}
	return errors.Join(errList...)
}

// Logger builds the logger described by c.
func (c Config) Logger() (*bitharbor.Logger, error) {
	level, err := c.Level()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.LogFormat == "json" {
		return bitharbor.NewJSONLogger(level), nil
	}
	return bitharbor.NewTextLogger(level), nil
}

// Open validates c and opens the store it describes. Extra options are
// applied after the ones derived from c.
func (c Config) Open(ctx context.Context, extra ...bitharbor.Option) (_ *Instance, err error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	logger, err := c.Logger()
	if err != nil {
		return nil, err
	}

	in := &Instance{}
	defer func() {
		if err != nil {
			for i := len(in.closers) - 1; i >= 0; i-- {
				_ = in.closers[i]()
			}
		}
	}()

	blobs, err := c.blobStore(ctx)
	if err != nil {
		return nil, err
	}
	meta, err := c.metadataStore(ctx, logger)
	if err != nil {
		return nil, err
	}
	in.closers = append(in.closers, meta.Close)

	compression, _ := index.ParseCompression(c.Index.Compression)
	policy, _ := index.ParseFilterPolicy(c.Index.FilterPolicy)

	opts := []bitharbor.Option{
		bitharbor.WithLogger(logger),
		bitharbor.WithDimension(c.Dimension),
		bitharbor.WithPrecision(c.Precision),
		bitharbor.WithMetadataStore(meta),
		bitharbor.WithEmbedder(c.embedder()),
		bitharbor.WithWorkers(c.Ingest.Workers),
		bitharbor.WithTimeouts(c.Ingest.EmbedTimeout, c.Ingest.MetadataTimeout),
		bitharbor.WithEmbedRetry(c.Ingest.EmbedRetries, c.Ingest.BackoffBase, c.Ingest.BackoffMax),
		bitharbor.WithResourceLimits(c.Ingest.MaxInFlightBytes, c.Ingest.IOBytesPerSec),
		bitharbor.WithRebuildThreshold(c.Index.RebuildThreshold),
		bitharbor.WithKeepSnapshots(c.Index.KeepSnapshots),
		bitharbor.WithCompression(compression),
		bitharbor.WithFilterPolicy(policy),
		bitharbor.WithHNSW(c.Index.M, c.Index.EFConstruction, c.Index.EFSearch),
		bitharbor.WithOverfetch(c.Search.Overfetch),
	}
	if blobs != nil {
		opts = append(opts, bitharbor.WithBlobStore(blobs))
	}
	opts = append(opts, extra...)

	in.Harbor, err = bitharbor.Open(ctx, c.DataDir, opts...)
	if err != nil {
		return nil, err
	}
	return in, nil
}

// blobStore returns nil for the local backend, which Open lays out itself.
func (c Config) blobStore(ctx context.Context) (blobstore.BlobStore, error) {
	st := c.Storage
	switch st.Backend {
	case StorageS3:
		var s3Opts []s3.Option
		if st.Prefix != "" {
			s3Opts = append(s3Opts, s3.WithPrefix(st.Prefix))
		}
		if st.Region != "" {
			s3Opts = append(s3Opts, s3.WithRegion(st.Region))
		}
		if st.Endpoint != "" {
			s3Opts = append(s3Opts, s3.WithEndpoint(st.Endpoint))
		}
		if st.PathStyle {
			s3Opts = append(s3Opts, s3.WithPathStyle())
		}
		store, err := s3.New(ctx, st.Bucket, s3Opts...)
		if err != nil {
			return nil, errs.Transient("config storage", err)
		}
		if st.PointerTable == "" {
			return store, nil
		}
		ddb, err := c.dynamoDB(ctx)
		if err != nil {
			return nil, err
		}
		baseURI := "s3://" + st.Bucket + "/" + st.Prefix
		return s3.NewDDBCommitStore(store, ddb, st.PointerTable, baseURI), nil
	case StorageMinIO:
		store, err := minio.Dial(ctx, minio.DialConfig{
			Endpoint:  st.Endpoint,
			AccessKey: st.AccessKey,
			SecretKey: st.SecretKey,
			Bucket:    st.Bucket,
			Prefix:    st.Prefix,
			Secure:    st.Secure,
			Region:    st.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("config storage: %w", err)
		}
		return store, nil
	}
	return nil, nil
}

func (c Config) dynamoDB(ctx context.Context) (*dynamodb.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if c.Storage.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(c.Storage.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errs.Transient("config storage", err)
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if c.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Storage.Endpoint)
		}
	}), nil
}

func (c Config) metadataStore(ctx context.Context, logger *bitharbor.Logger) (metadata.Store, error) {
	switch c.Metadata.Backend {
	case MetadataMemory:
		return metadata.NewMemory(), nil
	case MetadataSQLite:
		p := c.Metadata.Path
		if p == "" {
			p = filepath.Join(c.DataDir, "metadata.db")
		}
		return metadata.OpenSQLite(ctx, p)
	default:
		p := c.Metadata.Path
		if p == "" {
			p = filepath.Join(c.DataDir, "metadata")
		}
		return metadata.OpenBadger(metadata.BadgerOptions{Dir: p, Logger: logger.Logger})
	}
}

func (c Config) embedder() embedding.Embedder {
	if c.Embedder.Provider != EmbedderOpenAI {
		return embedding.NewHashing(c.Dimension)
	}
	var e embedding.Embedder = embedding.NewOpenAI(embedding.OpenAIOptions{
		APIKey:    c.Embedder.APIKey,
		Model:     c.Embedder.Model,
		Dimension: c.Dimension,
		BaseURL:   c.Embedder.BaseURL,
		Timeout:   c.Embedder.Timeout,
	})
	if c.Embedder.RequestsPerSecond > 0 || c.Embedder.MaxInFlight > 0 {
		e = embedding.NewRateLimited(e, c.Embedder.RequestsPerSecond, c.Embedder.Burst, c.Embedder.MaxInFlight)
	}
	return e
}
