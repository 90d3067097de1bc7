package testutil

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/mmdatafocus/buildsync/config"
	"github.com/mmdatafocus/buildsync/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

const (
	mysqlPort = "3306"
	redisPort = "6379"

	mysqlPassword = "buildsync"
	mysqlDatabase = "buildsync"
)

// RequireIntegration skips t unless INTEGRATION_TESTS is set; the container
// tests need a Docker daemon.
func RequireIntegration(t testing.TB) {
	t.Helper()
	v := strings.ToLower(strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")))
	if v != "1" && v != "true" && v != "yes" {
		t.Skip("set INTEGRATION_TESTS=1 to run container tests")
	}
}

func startContainer(ctx context.Context, t testing.TB, req testcontainers.ContainerRequest) testcontainers.Container {
	t.Helper()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "starting %s", req.Image)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Errorf("terminating %s: %v", req.Image, err)
		}
	})
	return container
}

// NewMySQLDB starts a MySQL container and returns a migrated handle opened
// with the production DSN options and plugins.
func NewMySQLDB(t testing.TB) *gorm.DB {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	container := startContainer(ctx, t, testcontainers.ContainerRequest{
		Image:        "mysql:8.0",
		ExposedPorts: []string{mysqlPort + "/tcp"},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": mysqlPassword,
			"MYSQL_DATABASE":      mysqlDatabase,
		},
		WaitingFor: wait.ForLog("port: 3306  MySQL Community Server").WithStartupTimeout(3 * time.Minute),
	})
	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, mysqlPort)
	require.NoError(t, err)
	addr := fmt.Sprintf("%s:%s", host, port.Port())

	dsn := fmt.Sprintf("root:%s@tcp(%s)/%s?parseTime=true&loc=UTC&clientFoundRows=true", mysqlPassword, addr, mysqlDatabase)
	var db *gorm.DB
	for attempt := 1; attempt <= 10; attempt++ {
		db, err = gorm.Open(mysql.Open(dsn), config.InitConfig())
		if err == nil {
			break
		}
		time.Sleep(time.Second)
	}
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	config.InstallPlugins(db)
	require.NoError(t, models.Migrate(db, true))
	return db
}

// UseRedisContainer starts redis and installs it as the global client for
// the duration of t.
func UseRedisContainer(t testing.TB) *redis.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	container := startContainer(ctx, t, testcontainers.ContainerRequest{
		Image:        "redis:7",
		ExposedPorts: []string{redisPort + "/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	})
	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, redisPort)
	require.NoError(t, err)
	addr := fmt.Sprintf("%s:%s", host, port.Port())
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(ctx).Err())

	config.UseRedis(client)
	t.Cleanup(func() {
		config.UseRedis(nil)
		_ = client.Close()
	})
	return client
}
