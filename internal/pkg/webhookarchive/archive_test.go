package webhookarchive

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.body = body
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func TestS3Archiver_Archive(t *testing.T) {
	putter := &fakePutter{}
	archiver := &S3Archiver{client: putter, config: &Config{BucketName: "audit", Prefix: "webhooks"}}

	payload := []byte(`{"type":"payment","data":{"id":"123"}}`)
	err := archiver.Archive(context.Background(), Record{
		Provider:   "mercadopago",
		EventID:    "hash:abc",
		Topic:      "payment",
		ReceivedAt: time.Date(2026, 3, 9, 23, 30, 0, 0, time.UTC),
		Payload:    payload,
	})
	require.NoError(t, err)

	require.NotNil(t, putter.input)
	assert.Equal(t, "audit", aws.ToString(putter.input.Bucket))
	assert.Equal(t, "webhooks/mercadopago/2026/03/09/hash_abc.json", aws.ToString(putter.input.Key))
	assert.Equal(t, "application/json", aws.ToString(putter.input.ContentType))
	assert.Equal(t, int64(len(payload)), aws.ToInt64(putter.input.ContentLength))
	assert.Equal(t, "payment", putter.input.Metadata["topic"])
	assert.Equal(t, payload, putter.body)
}

func TestS3Archiver_ArchiveError(t *testing.T) {
	putter := &fakePutter{err: errors.New("access denied")}
	archiver := &S3Archiver{client: putter, config: &Config{BucketName: "audit"}}

	err := archiver.Archive(context.Background(), Record{Provider: "mercadopago", EventID: "1", Payload: []byte(`{}`)})
	assert.ErrorContains(t, err, "access denied")
}

func TestObjectKey(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	cfg := &Config{}
	assert.Equal(t, "mercadopago/2026/01/02/evt-1.json", cfg.ObjectKey("mercadopago", "evt-1", at))
	assert.Equal(t, "unknown/2026/01/02/a_b_c.json", cfg.ObjectKey("", "a/b c", at))

	cfg.Prefix = "audit"
	assert.Equal(t, "audit/mercadopago/2026/01/02/evt-1.json", cfg.ObjectKey("mercadopago", "evt-1", at))
}

func TestNew_DisabledIsNoop(t *testing.T) {
	archiver, err := New(context.Background(), &Config{Enabled: false})
	require.NoError(t, err)
	assert.IsType(t, NoopArchiver{}, archiver)
	assert.NoError(t, archiver.Archive(context.Background(), Record{}))

	archiver, err = New(context.Background(), nil)
	require.NoError(t, err)
	assert.IsType(t, NoopArchiver{}, archiver)
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("WEBHOOK_ARCHIVE_ENABLED", "true")
	t.Setenv("S3_ACCESS_KEY_ID", "")

	_, err := LoadConfig()
	assert.ErrorContains(t, err, "S3_ACCESS_KEY_ID")

	t.Setenv("S3_ACCESS_KEY_ID", "key")
	t.Setenv("S3_SECRET_ACCESS_KEY", "secret")
	t.Setenv("S3_BUCKET_NAME", "audit")
	t.Setenv("WEBHOOK_ARCHIVE_PREFIX", "/raw/")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.IsEnabled())
	assert.Equal(t, "raw", cfg.Prefix)
	assert.Equal(t, "audit", cfg.BucketName)
}
