package models

import (
	"log"

	"github.com/mmdatafocus/buildsync/config"
	"gorm.io/gorm"
)

// SyncTables are owned by this service.
func SyncTables() []interface{} {
	return []interface{}{
		&ExternalReference{}, &ProviderCredential{}, &SyncLogEntry{},
		&WebhookEvent{}, &PaymentRecord{},
		&StripeConnectAccount{}, &Subscription{}, &IdempotencyKey{},
	}
}

// PortalTables belong to the portal; they are migrated here only for local
// development and tests (MIGRATE_PORTAL_TABLES=true).
func PortalTables() []interface{} {
	return []interface{}{
		&Invoice{}, &InvoiceLine{}, &Expense{}, &Client{}, &Vendor{}, &GlAccount{}, &Payment{},
	}
}

func MigrateTable() {
	if err := Migrate(config.GetDB(), config.MigratePortalTables()); err != nil {
		log.Fatal(err)
	}
}

func Migrate(db *gorm.DB, withPortalTables bool) error {
	tables := SyncTables()
	if withPortalTables {
		tables = append(tables, PortalTables()...)
	}
	return db.AutoMigrate(tables...)
}
