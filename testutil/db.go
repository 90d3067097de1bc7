// Package testutil opens throwaway databases for package tests.
package testutil

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/mmdatafocus/buildsync/config"
	"github.com/mmdatafocus/buildsync/models"
	"github.com/mmdatafocus/buildsync/utils"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var dbSeq atomic.Int64

// NewSQLiteDB returns an in-memory database with every table migrated and the
// same plugins and gorm config as production. One connection keeps the
// in-memory database alive and serializes writers.
func NewSQLiteDB(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:buildsync_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), config.InitConfig())
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.Use(config.NewTenantGuardPlugin()))
	require.NoError(t, models.Migrate(db, true))
	return db
}

// SystemContext bypasses tenant scoping, as webhook and operator paths do.
func SystemContext() context.Context {
	return utils.SetSkipTenantScopeInContext(context.Background(), true)
}

// TenantContext scopes queries to gcAccountId, as an authenticated request does.
func TenantContext(gcAccountId string) context.Context {
	ctx := utils.SetGcAccountIdInContext(context.Background(), gcAccountId)
	return utils.SetUserIdInContext(ctx, "user-1")
}
