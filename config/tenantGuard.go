package config

import (
	"context"
	"strings"

	"github.com/mmdatafocus/buildsync/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const tenantColumn = "gc_account_id"

// TenantGuardPlugin scopes queries, updates and deletes on tables carrying a
// gc_account_id column to the tenant stored on the statement context.
//
// Raw SQL is not scoped. Webhooks and operator tooling set SkipTenantScope
// because they resolve the tenant from provider metadata themselves.
type TenantGuardPlugin struct{}

func NewTenantGuardPlugin() *TenantGuardPlugin { return &TenantGuardPlugin{} }

func (p *TenantGuardPlugin) Name() string { return "tenant_guard" }

func (p *TenantGuardPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	if err := cb.Query().Before("gorm:query").Register("tenant_guard:query", tenantGuardCallback); err != nil {
		return err
	}
	if err := cb.Row().Before("gorm:row").Register("tenant_guard:row", tenantGuardCallback); err != nil {
		return err
	}
	if err := cb.Update().Before("gorm:update").Register("tenant_guard:update", tenantGuardCallback); err != nil {
		return err
	}
	return cb.Delete().Before("gorm:delete").Register("tenant_guard:delete", tenantGuardCallback)
}

func tenantGuardCallback(db *gorm.DB) {
	stmt := db.Statement
	if stmt == nil || stmt.Context == nil || stmt.Schema == nil {
		return
	}
	tenant, scoped := tenantForStatement(stmt.Context)
	if !scoped {
		return
	}
	if stmt.Schema.LookUpField(tenantColumn) == nil {
		return
	}
	if where, ok := stmt.Clauses["WHERE"].Expression.(clause.Where); ok && mentionsTenant(where.Exprs) {
		return
	}
	stmt.AddClause(clause.Where{Exprs: []clause.Expression{
		clause.Eq{Column: clause.Column{Table: stmt.Table, Name: tenantColumn}, Value: tenant},
	}})
}

// tenantForStatement returns the tenant to scope by, or false when the
// context carries none or asks to bypass scoping.
func tenantForStatement(ctx context.Context) (string, bool) {
	if skip, _ := appctx.GetBool(ctx, appctx.ContextKeySkipTenantScope); skip {
		return "", false
	}
	if admin, _ := appctx.GetBool(ctx, appctx.ContextKeyIsAdmin); admin {
		return "", false
	}
	tenant, _ := appctx.GetString(ctx, appctx.ContextKeyGcAccountId)
	return tenant, tenant != ""
}

func mentionsTenant(exprs []clause.Expression) bool {
	for _, e := range exprs {
		switch v := e.(type) {
		case clause.Eq:
			if isTenantColumn(v.Column) {
				return true
			}
		case clause.IN:
			if isTenantColumn(v.Column) {
				return true
			}
		case clause.AndConditions:
			if mentionsTenant(v.Exprs) {
				return true
			}
		case clause.OrConditions:
			if mentionsTenant(v.Exprs) {
				return true
			}
		case clause.Expr:
			if strings.Contains(strings.ToLower(v.SQL), tenantColumn) {
				return true
			}
		case clause.NamedExpr:
			if strings.Contains(strings.ToLower(v.SQL), tenantColumn) {
				return true
			}
		}
	}
	return false
}

func isTenantColumn(col any) bool {
	switch c := col.(type) {
	case string:
		return strings.EqualFold(c, tenantColumn)
	case clause.Column:
		return strings.EqualFold(c.Name, tenantColumn)
	}
	return false
}
