package webhookarchive

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ManuelReschke/Inscripciones/internal/pkg/env"
)

// Config holds the S3 settings for the webhook payload archive
type Config struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	BucketName      string
	EndpointURL     string // Optional for S3-compatible services
	Prefix          string
	Enabled         bool
}

// LoadConfig loads the archive configuration from environment variables
func LoadConfig() (*Config, error) {
	config := &Config{
		AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
		SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
		Region:          env.GetEnv("S3_REGION", "us-east-1"),
		BucketName:      env.GetEnv("S3_BUCKET_NAME", ""),
		EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
		Prefix:          strings.Trim(env.GetEnv("WEBHOOK_ARCHIVE_PREFIX", "webhooks"), "/"),
		Enabled:         env.GetEnvBool("WEBHOOK_ARCHIVE_ENABLED", false),
	}

	if config.Enabled {
		if config.AccessKeyID == "" {
			return nil, errors.New("S3_ACCESS_KEY_ID is required when the webhook archive is enabled")
		}
		if config.SecretAccessKey == "" {
			return nil, errors.New("S3_SECRET_ACCESS_KEY is required when the webhook archive is enabled")
		}
		if config.BucketName == "" {
			return nil, errors.New("S3_BUCKET_NAME is required when the webhook archive is enabled")
		}
	}

	return config, nil
}

// IsEnabled returns true if archiving is enabled
func (c *Config) IsEnabled() bool {
	return c.Enabled
}

// ObjectKey builds prefix/provider/YYYY/MM/DD/<event id>.json
func (c *Config) ObjectKey(provider, eventID string, receivedAt time.Time) string {
	receivedAt = receivedAt.UTC()
	key := fmt.Sprintf("%s/%04d/%02d/%02d/%s.json",
		safeSegment(provider), receivedAt.Year(), receivedAt.Month(), receivedAt.Day(), safeSegment(eventID))
	if c.Prefix == "" {
		return key
	}
	return c.Prefix + "/" + key
}

func safeSegment(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}
