package router

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	redisstorage "github.com/gofiber/storage/redis"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/Inscripciones/internal/pkg/env"
)

const limiterRedisDatabase = 1

// Options configures the middleware around the routes.
type Options struct {
	LimiterMax        int
	LimiterExpiration time.Duration
	// LimiterStorage keeps limiter counters shared across instances. Nil
	// means in-memory counters.
	LimiterStorage fiber.Storage

	MetricsUser     string
	MetricsPassword string

	OpenAPIFile string
}

// LoadOptions reads router settings from the environment. client is used
// for the limiter storage when RATE_LIMIT_STORAGE=redis.
func LoadOptions(client *redis.Client) Options {
	opts := Options{
		LimiterMax:        env.GetEnvInt("RATE_LIMIT_MAX", 30),
		LimiterExpiration: env.GetEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		MetricsUser:       env.GetEnv("METRICS_USER", ""),
		MetricsPassword:   env.GetEnv("METRICS_PASSWORD", ""),
		OpenAPIFile:       env.GetEnv("OPENAPI_FILE", "./public/docs/v1/openapi.yml"),
	}
	if strings.EqualFold(env.GetEnv("RATE_LIMIT_STORAGE", "memory"), "redis") {
		if client == nil {
			log.Warn("[Router] RATE_LIMIT_STORAGE=redis but no redis client is configured, using memory")
		} else {
			opts.LimiterStorage = NewLimiterStorage(client)
		}
	}
	return opts
}

// NewLimiterStorage builds a fiber storage on the same Redis server as
// client, in a separate database.
func NewLimiterStorage(client *redis.Client) fiber.Storage {
	host := "localhost"
	port := 6379
	addr := client.Options().Addr
	if h, p, err := net.SplitHostPort(addr); err == nil {
		host = h
		if v, err := strconv.Atoi(p); err == nil {
			port = v
		}
	}

	return redisstorage.New(redisstorage.Config{
		Host:     host,
		Port:     port,
		Password: client.Options().Password,
		Database: limiterRedisDatabase,
		Reset:    false,
	})
}
