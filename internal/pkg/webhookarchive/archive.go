package webhookarchive

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gofiber/fiber/v2/log"
)

// Record is one raw webhook delivery.
type Record struct {
	Provider   string
	EventID    string
	Topic      string
	ReceivedAt time.Time
	Payload    []byte
}

// Archiver stores raw webhook payloads for audit.
type Archiver interface {
	Archive(ctx context.Context, rec Record) error
}

// NoopArchiver is used when archiving is disabled.
type NoopArchiver struct{}

func (NoopArchiver) Archive(context.Context, Record) error { return nil }

type putObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archiver writes one object per delivery.
type S3Archiver struct {
	client putObjectAPI
	config *Config
}

// New returns an S3 archiver, or a NoopArchiver when archiving is disabled.
func New(ctx context.Context, cfg *Config) (Archiver, error) {
	if cfg == nil || !cfg.IsEnabled() {
		return NoopArchiver{}, nil
	}
	return NewS3Archiver(ctx, cfg)
}

// NewS3Archiver creates the S3 client and checks the bucket is reachable.
func NewS3Archiver(ctx context.Context, cfg *Config) (*S3Archiver, error) {
	awsConfig, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.EndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.EndpointURL)
			// S3-compatible providers (MinIO, B2) need path-style URLs
			o.UsePathStyle = true
		}
	})

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.BucketName)}); err != nil {
		return nil, fmt.Errorf("bucket %s not accessible: %w", cfg.BucketName, err)
	}

	log.Infof("[WebhookArchive] Archiving webhook payloads to bucket: %s", cfg.BucketName)
	return &S3Archiver{client: client, config: cfg}, nil
}

// Archive uploads the payload as application/json.
func (a *S3Archiver) Archive(ctx context.Context, rec Record) error {
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now()
	}
	key := a.config.ObjectKey(rec.Provider, rec.EventID, rec.ReceivedAt)

	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(a.config.BucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(rec.Payload),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(rec.Payload))),
		Metadata: map[string]string{
			"provider": rec.Provider,
			"topic":    rec.Topic,
			"event-id": rec.EventID,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to archive webhook %s: %w", rec.EventID, err)
	}

	log.Debugf("[WebhookArchive] Stored s3://%s/%s", a.config.BucketName, key)
	return nil
}
