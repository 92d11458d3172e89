// Package testutil starts disposable backing services for integration tests.
package testutil

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	containerStartupTimeout   = 90 * time.Second
	containerTerminateTimeout = 10 * time.Second

	postgresUser     = "events"
	postgresPassword = "events"
	postgresDatabase = "events"
)

// SetupPostgres starts a Postgres container for the calling test and returns
// its connection string. The test is skipped in -short mode or when no
// container runtime is reachable.
func SetupPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), containerStartupTimeout)
	defer cancel()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPassword,
			"POSTGRES_DB":       postgresDatabase,
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(containerStartupTimeout),
			wait.ForListeningPort("5432/tcp").WithStartupTimeout(containerStartupTimeout),
		),
	}
	cont := startContainer(ctx, t, req)
	mapped, err := cont.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("failed to get postgres port: %v", err)
	}
	addr := net.JoinHostPort(containerHost(ctx, t, cont), mapped.Port())
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", postgresUser, postgresPassword, addr, postgresDatabase)
}

// SetupRedis starts a Redis container for the calling test and returns its
// address.
func SetupRedis(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx, cancel := context.WithTimeout(context.Background(), containerStartupTimeout)
	defer cancel()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor: wait.ForAll(
			wait.ForLog("Ready to accept connections").WithStartupTimeout(containerStartupTimeout),
			wait.ForListeningPort("6379/tcp").WithStartupTimeout(containerStartupTimeout),
		),
	}
	cont := startContainer(ctx, t, req)
	mapped, err := cont.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("failed to get redis port: %v", err)
	}
	return net.JoinHostPort(containerHost(ctx, t, cont), mapped.Port())
}

func startContainer(ctx context.Context, t *testing.T, req testcontainers.ContainerRequest) testcontainers.Container {
	t.Helper()
	cont, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start %s container: %v", req.Image, err)
	}
	t.Cleanup(func() {
		terminateCtx, cancel := context.WithTimeout(context.Background(), containerTerminateTimeout)
		defer cancel()
		_ = cont.Terminate(terminateCtx)
	})
	return cont
}

func containerHost(ctx context.Context, t *testing.T, cont testcontainers.Container) string {
	t.Helper()
	host, err := cont.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	return host
}
