package testutil

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Containers are started once per test binary and reaped by testcontainers
// when the process exits.
var (
	redisOnce sync.Once
	redisAddr string
	redisErr  error

	pgOnce sync.Once
	pgDSN  string
	pgErr  error
)

// RedisAddr returns host:port of a throwaway Redis, or skips the test when no
// container runtime is available. REDIS_ADDR overrides the container.
func RedisAddr(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Redis container in short mode")
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	redisOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()
		redisAddr, redisErr = runContainer(ctx, "redis:7", "6379/tcp",
			[]testcontainers.ContainerCustomizer{
				testcontainers.WithWaitStrategy(
					wait.ForListeningPort("6379/tcp"),
					wait.ForLog("Ready to accept connections"),
				),
			})
	})
	if redisErr != nil {
		t.Skipf("redis container unavailable: %v", redisErr)
	}
	return redisAddr
}

// PostgresDSN returns a connection string for a throwaway Postgres, or skips
// the test when no container runtime is available. DATABASE_URL overrides the
// container.
func PostgresDSN(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}
	if testing.Short() {
		t.Skip("skipping Postgres container in short mode")
	}
	pgOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()
		var endpoint string
		endpoint, pgErr = runContainer(ctx, "postgres:16", "5432/tcp",
			[]testcontainers.ContainerCustomizer{
				testcontainers.WithEnv(map[string]string{
					"POSTGRES_USER":     "engagepipe",
					"POSTGRES_PASSWORD": "engagepipe",
					"POSTGRES_DB":       "engagepipe_test",
				}),
				testcontainers.WithWaitStrategy(
					wait.ForAll(
						wait.ForListeningPort("5432/tcp"),
						wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
					).WithDeadline(2 * time.Minute),
				),
			})
		if pgErr == nil {
			pgDSN = fmt.Sprintf("postgres://engagepipe:engagepipe@%s/engagepipe_test?sslmode=disable", endpoint)
		}
	})
	if pgErr != nil {
		t.Skipf("postgres container unavailable: %v", pgErr)
	}
	return pgDSN
}

// runContainer starts image and returns its mapped endpoint. testcontainers
// panics when it cannot locate a Docker host, which is turned into an error.
func runContainer(ctx context.Context, image, port string, opts []testcontainers.ContainerCustomizer) (endpoint string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("start %s: %v", image, r)
		}
	}()
	opts = append([]testcontainers.ContainerCustomizer{testcontainers.WithExposedPorts(port)}, opts...)
	c, err := testcontainers.Run(ctx, image, opts...)
	if err != nil {
		return "", err
	}
	endpoint, err = c.Endpoint(ctx, "")
	if err != nil {
		_ = c.Terminate(context.Background())
		return "", err
	}
	return endpoint, nil
}
