// Package remote delivers queued changes to the central system. The central
// system ingests changes from an S3-compatible bucket, one object per entity.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	apperrors "github.com/kimhsiao/outletsync/internal/errors"
	"github.com/kimhsiao/outletsync/internal/logging"
	"github.com/kimhsiao/outletsync/internal/models"
	"github.com/kimhsiao/outletsync/internal/sync/queue"
)

// ObjectAPI is the subset of the S3 client used here.
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Config locates the bucket.
type Config struct {
	Bucket         string
	Region         string
	Endpoint       string // custom endpoint for MinIO, R2 and similar
	Prefix         string
	ForcePathStyle bool
}

// Validate checks the required fields.
func (c Config) Validate() error {
	if c.Bucket == "" {
		return apperrors.New(apperrors.ErrSyncNotConfigured, "remote bucket is required")
	}
	return nil
}

// Client is a queue.RemoteSyncClient backed by S3.
type Client struct {
	api    ObjectAPI
	bucket string
	prefix string
}

var _ queue.RemoteSyncClient = (*Client)(nil)

// New builds a Client from the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncNotConfigured, "load AWS configuration", err)
	}
	if awsCfg.Region == "" {
		awsCfg.Region = "us-east-1"
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return NewWithAPI(api, cfg), nil
}

// NewWithAPI wraps an existing ObjectAPI.
func NewWithAPI(api ObjectAPI, cfg Config) *Client {
	return &Client{api: api, bucket: cfg.Bucket, prefix: cfg.Prefix}
}

// Envelope is the object body written for create and update operations.
type Envelope struct {
	QueueItemID string           `json:"queue_item_id"`
	StoreID     string           `json:"store_id"`
	EntityType  string           `json:"entity_type"`
	EntityID    string           `json:"entity_id"`
	Operation   models.Operation `json:"operation"`
	Payload     json.RawMessage  `json:"payload"`
	ChangedAt   time.Time        `json:"changed_at"`
}

// ObjectKey returns where item's entity is stored.
func (c *Client) ObjectKey(item *models.SyncQueueItem) string {
	return path.Join(c.prefix, "stores", item.StoreID, item.EntityType, item.EntityID+".json")
}

// Apply writes or deletes the entity object for item. Creates are
// conditional on the object not existing; a precondition failure is
// reported as queue.ErrRemoteConflict.
func (c *Client) Apply(ctx context.Context, item *models.SyncQueueItem) error {
	key := c.ObjectKey(item)

	var err error
	switch item.Operation {
	case models.OperationCreate, models.OperationUpdate:
		err = c.put(ctx, key, item)
	case models.OperationDelete:
		_, err = c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(c.bucket),
			Key:    aws.String(key),
		})
	default:
		return apperrors.Newf(apperrors.ErrInvalid, "unsupported operation %q", item.Operation)
	}
	if err != nil {
		return classify(ctx, item, key, err)
	}

	logging.Debug("Change delivered",
		map[string]interface{}{"item_id": item.ID, "key": key, "operation": string(item.Operation)})
	return nil
}

func (c *Client) put(ctx context.Context, key string, item *models.SyncQueueItem) error {
	body, err := json.Marshal(Envelope{
		QueueItemID: item.ID,
		StoreID:     item.StoreID,
		EntityType:  item.EntityType,
		EntityID:    item.EntityID,
		Operation:   item.Operation,
		Payload:     item.Payload,
		ChangedAt:   item.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"queue-item-id": item.ID,
			"operation":     string(item.Operation),
			"priority":      string(item.Priority),
		},
	}
	if item.Operation == models.OperationCreate {
		input.IfNoneMatch = aws.String("*")
	}
	_, err = c.api.PutObject(ctx, input)
	return err
}

// conflictCodes are S3 error codes meaning the object changed underneath us.
var conflictCodes = map[string]bool{
	"PreconditionFailed":         true,
	"ConditionalRequestConflict": true,
}

func classify(ctx context.Context, item *models.SyncQueueItem, key string, err error) error {
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) && conflictCodes[apiErr.ErrorCode()] {
		return fmt.Errorf("%w: %s %s: %s", queue.ErrRemoteConflict, item.Operation, key, apiErr.ErrorCode())
	}
	if ctx.Err() != nil || stderrors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.ErrSyncTimeout, fmt.Sprintf("deliver %s", key), err)
	}
	return apperrors.Wrap(apperrors.ErrSyncFailed, fmt.Sprintf("deliver %s", key), err)
}

// Ping checks that the bucket is reachable with the current credentials.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)}); err != nil {
		return apperrors.Wrap(apperrors.ErrConnectionFailed, "head bucket "+c.bucket, err)
	}
	return nil
}
