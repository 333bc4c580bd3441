package gormstore

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/botbazaar/tokenledger/internal/catalog"
)

// CatalogStore implements catalog.Store using GORM. Automation rows are
// owned by the marketplace admin surface; this store only reads them.
type CatalogStore struct {
	db *gorm.DB
}

// NewCatalogStore returns a CatalogStore backed by gorm.DB.
func NewCatalogStore(db *gorm.DB) *CatalogStore {
	return &CatalogStore{db: db}
}

func (store *CatalogStore) GetAutomation(ctx context.Context, automationID string) (catalog.Automation, error) {
	var model Automation
	err := store.db.WithContext(ctx).Where("id = ?", automationID).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return catalog.Automation{}, wrapStoreError(errorSubjectAutomation, errorCodeGet, catalog.ErrAutomationNotFound)
		}
		return catalog.Automation{}, wrapStoreError(errorSubjectAutomation, errorCodeGet, err)
	}
	return catalog.Automation{
		ID:                model.ID,
		Name:              model.Name,
		Status:            catalog.AutomationStatus(model.Status),
		Healthy:           model.Healthy,
		PricePerTokenIRR:  model.PricePerTokenIRR,
		DemoGrantTokens:   model.DemoGrantTokens,
		MinPurchaseTokens: model.MinPurchaseTokens,
		MaxPurchaseTokens: model.MaxPurchaseTokens,
		ServiceTokenHash:  model.ServiceTokenHash,
		CreatedUnixUTC:    model.CreatedAt.Unix(),
		UpdatedUnixUTC:    model.UpdatedAt.Unix(),
	}, nil
}
