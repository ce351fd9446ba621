//go:build integration

package sqlstorage

import (
	"context"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	p "github.com/snowflk/commitdb/internal/persistence"
	"github.com/snowflk/commitdb/internal/persistence/testsuite"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testUser     = "commitdb"
	testPassword = "example"
	testDatabase = "commitdb"
)

// startDatabase runs a throwaway database server and returns the host and mapped port.
func startDatabase(t *testing.T, req testcontainers.ContainerRequest, port string) (string, int) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	t.Cleanup(func() { _ = ctr.Terminate(ctx) })

	host, err := ctr.Host(ctx)
	require.NoError(t, err)
	mapped, err := ctr.MappedPort(ctx, nat.Port(port))
	require.NoError(t, err)
	return host, mapped.Int()
}

func runSuite(t *testing.T, opts Options) {
	cache := NewConnCache(time.Minute)
	t.Cleanup(func() { _ = cache.Close() })
	opts.Cache = cache
	opts.ConnectTimeout = time.Minute

	suite.Run(t, testsuite.NewTestSuite(func() p.Backend {
		ctx := context.Background()
		storage, err := New(ctx, opts)
		require.NoError(t, err)
		require.NoError(t, storage.Drop(ctx))
		return storage
	}))
}

func TestPostgres(t *testing.T) {
	host, port := startDatabase(t, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     testUser,
			"POSTGRES_PASSWORD": testPassword,
			"POSTGRES_DB":       testDatabase,
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}, "5432/tcp")

	runSuite(t, Options{
		Driver:   DriverPostgres,
		Host:     host,
		Port:     port,
		User:     testUser,
		Password: testPassword,
		Database: testDatabase,
	})
}

func TestMySQL(t *testing.T) {
	host, port := startDatabase(t, testcontainers.ContainerRequest{
		Image:        "mysql:8.0",
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MYSQL_USER":          testUser,
			"MYSQL_PASSWORD":      testPassword,
			"MYSQL_DATABASE":      testDatabase,
			"MYSQL_ROOT_PASSWORD": testPassword,
		},
		WaitingFor: wait.ForLog("port: 3306  MySQL Community Server"),
	}, "3306/tcp")

	runSuite(t, Options{
		Driver:   DriverMySQL,
		Host:     host,
		Port:     port,
		User:     testUser,
		Password: testPassword,
		Database: testDatabase,
	})
}
