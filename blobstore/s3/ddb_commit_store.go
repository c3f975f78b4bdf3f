package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/hupe1980/bitharbor/blobstore"
)

// DDBCommitStore is a blobstore.BlobStore backed by S3 that keeps pointer
// files (named "CURRENT") in DynamoDB.
//
// A pointer write is a conditional PutItem keyed by the build number it
// names, so two writers can never publish the same build and a stale writer
// cannot move the pointer backwards. All other blobs go to S3 unchanged.
//
// Table schema:
//   - Partition key: base_uri (string)
//   - Sort key: version (number), the published build
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name bitharbor-pointers \
//	  --attribute-definitions AttributeName=base_uri,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=base_uri,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DDBCommitStore struct {
	blobs     blobstore.BlobStore
	ddbClient DDBClient
	tableName string
	baseURI   string
}

// DDBClient is the interface for DynamoDB operations.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// ErrConcurrentModification is returned when a pointer commit loses a race
// or would move the pointer backwards.
var ErrConcurrentModification = errors.New("concurrent modification detected")

const pointerName = "CURRENT"

// NewDDBCommitStore wraps blobs. baseURI (e.g. "s3://bucket/prefix")
// partitions the pointer history.
func NewDDBCommitStore(blobs blobstore.BlobStore, ddbClient DDBClient, tableName, baseURI string) *DDBCommitStore {
	return &DDBCommitStore{
		blobs:     blobs,
		ddbClient: ddbClient,
		tableName: tableName,
		baseURI:   baseURI,
	}
}

func isPointer(name string) bool { return path.Base(name) == pointerName }

func (s *DDBCommitStore) partition(name string) string {
	return s.baseURI + "#" + path.Dir(name)
}

// Open opens a blob. Pointer files are served from DynamoDB.
func (s *DDBCommitStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	if !isPointer(name) {
		return s.blobs.Open(ctx, name)
	}
	version, content, err := s.latest(ctx, s.partition(name))
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, blobstore.ErrNotFound
	}
	return &pointerBlob{content: []byte(content)}, nil
}

// Put writes a blob. Pointer files must contain a decimal build number and
// are committed with a conditional write.
func (s *DDBCommitStore) Put(ctx context.Context, name string, data []byte) error {
	if !isPointer(name) {
		return s.blobs.Put(ctx, name, data)
	}
	build, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || build == 0 {
		return fmt.Errorf("ddb commit: pointer content %q is not a build number", data)
	}
	return s.commit(ctx, s.partition(name), build, string(data))
}

// Create creates a writable blob. Pointers cannot be streamed.
func (s *DDBCommitStore) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	if isPointer(name) {
		return nil, fmt.Errorf("ddb commit: %s must be written with Put", name)
	}
	return s.blobs.Create(ctx, name)
}

// Delete deletes a blob. Pointer history is append-only and is never deleted.
func (s *DDBCommitStore) Delete(ctx context.Context, name string) error {
	if isPointer(name) {
		return nil
	}
	return s.blobs.Delete(ctx, name)
}

// List lists blobs with prefix.
func (s *DDBCommitStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.blobs.List(ctx, prefix)
}

func (s *DDBCommitStore) latest(ctx context.Context, partition string) (uint64, string, error) {
	resp, err := s.ddbClient.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("base_uri = :uri"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uri": &types.AttributeValueMemberS{Value: partition},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(1),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return 0, "", fmt.Errorf("failed to query DynamoDB: %w", err)
	}
	if len(resp.Items) == 0 {
		return 0, "", nil
	}

	item := resp.Items[0]
	versionAttr, ok := item["version"].(*types.AttributeValueMemberN)
	if !ok {
		return 0, "", errors.New("invalid version attribute in DynamoDB")
	}
	contentAttr, ok := item["pointer"].(*types.AttributeValueMemberS)
	if !ok {
		return 0, "", errors.New("invalid pointer attribute in DynamoDB")
	}
	version, err := strconv.ParseUint(versionAttr.Value, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("failed to parse version: %w", err)
	}
	return version, contentAttr.Value, nil
}

func (s *DDBCommitStore) commit(ctx context.Context, partition string, build uint64, content string) error {
	current, _, err := s.latest(ctx, partition)
	if err != nil {
		return err
	}
	if build <= current {
		return fmt.Errorf("%w: build %d is not newer than %d", ErrConcurrentModification, build, current)
	}

	_, err = s.ddbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item: map[string]types.AttributeValue{
			"base_uri": &types.AttributeValueMemberS{Value: partition},
			"version":  &types.AttributeValueMemberN{Value: strconv.FormatUint(build, 10)},
			"pointer":  &types.AttributeValueMemberS{Value: content},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return ErrConcurrentModification
		}
		return fmt.Errorf("failed to commit pointer to DynamoDB: %w", err)
	}
	return nil
}

type pointerBlob struct {
	content []byte
}

func (b *pointerBlob) Close() error { return nil }

func (b *pointerBlob) Size() int64 { return int64(len(b.content)) }

func (b *pointerBlob) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	if off >= int64(len(b.content)) {
		return 0, io.EOF
	}
	n := copy(p, b.content[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (b *pointerBlob) ReadRange(_ context.Context, off, length int64) (io.ReadCloser, error) {
	if off >= int64(len(b.content)) {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	end := min(off+length, int64(len(b.content)))
	return io.NopCloser(bytes.NewReader(b.content[off:end])), nil
}
