package models

import (
	"context"
	"errors"

	"github.com/mmdatafocus/buildsync/config"
	"github.com/mmdatafocus/buildsync/utils"
	"gorm.io/gorm"
)

// EntityStore loads portal record snapshots. Tenant scoping comes from the
// tenant guard on the request context.
type EntityStore struct {
	db *gorm.DB
}

func NewEntityStore(db *gorm.DB) *EntityStore {
	if db == nil {
		db = config.GetDB()
	}
	return &EntityStore{db: db}
}

func (s *EntityStore) Load(ctx context.Context, entityType EntityType, id string) (*LocalEntity, error) {
	db := s.db.WithContext(ctx)
	var (
		entity LocalEntity
		err    error
	)
	switch entityType {
	case EntityTypeInvoice:
		var v Invoice
		err = db.Preload("Lines", func(tx *gorm.DB) *gorm.DB { return tx.Order("sort_order, id") }).
			Where("id = ?", id).First(&v).Error
		entity = InvoiceEntity(&v)
	case EntityTypeExpense:
		var v Expense
		err = db.Where("id = ?", id).First(&v).Error
		entity = ExpenseEntity(&v)
	case EntityTypeClient:
		var v Client
		err = db.Where("id = ?", id).First(&v).Error
		entity = ClientEntity(&v)
	case EntityTypeVendor:
		var v Vendor
		err = db.Where("id = ?", id).First(&v).Error
		entity = VendorEntity(&v)
	case EntityTypeAccount:
		var v GlAccount
		err = db.Where("id = ?", id).First(&v).Error
		entity = AccountEntity(&v)
	case EntityTypePayment:
		var v Payment
		err = db.Where("id = ?", id).First(&v).Error
		entity = PaymentEntity(&v)
	default:
		return nil, utils.Errorf(utils.KindValidation, "EntityStore.Load", "unknown entity type %q", entityType)
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.Errorf(utils.KindNotFound, "EntityStore.Load", "%s %s not found", entityType, id)
	}
	if err != nil {
		return nil, err
	}
	return &entity, nil
}
