package gormstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/botbazaar/tokenledger/internal/discount"
)

// DiscountStore implements discount.Store using GORM.
type DiscountStore struct {
	db *gorm.DB
}

// NewDiscountStore returns a DiscountStore backed by gorm.DB.
func NewDiscountStore(db *gorm.DB) *DiscountStore {
	return &DiscountStore{db: db}
}

// WithTx executes fn within a transaction.
func (store *DiscountStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore discount.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &DiscountStore{db: transaction})
	})
}

// GetDiscountByCodeForUpdate locks the discount row so concurrent quotes for
// the same code serialize their redemption counting.
func (store *DiscountStore) GetDiscountByCodeForUpdate(ctx context.Context, code string) (discount.Discount, error) {
	var model Discount
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("code = ?", code).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return discount.Discount{}, wrapStoreError(errorSubjectDiscount, errorCodeGet, discount.ErrDiscountNotFound)
		}
		return discount.Discount{}, wrapStoreError(errorSubjectDiscount, errorCodeGet, err)
	}

	var scopes []DiscountAutomation
	err = store.db.WithContext(ctx).
		Where("discount_id = ?", model.ID).
		Order("automation_id ASC").
		Find(&scopes).Error
	if err != nil {
		return discount.Discount{}, wrapStoreError(errorSubjectDiscount, errorCodeList, err)
	}

	automationIDs := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		automationIDs = append(automationIDs, scope.AutomationID)
	}
	return mapDiscount(model, automationIDs), nil
}

func (store *DiscountStore) CountRedemptions(ctx context.Context, discountID string) (int64, error) {
	var total int64
	err := store.db.WithContext(ctx).
		Model(&DiscountRedemption{}).
		Where("discount_id = ?", discountID).
		Count(&total).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectDiscount, errorCodeCount, err)
	}
	return total, nil
}

func (store *DiscountStore) CountUserRedemptions(ctx context.Context, discountID string, userID string) (int64, error) {
	var total int64
	err := store.db.WithContext(ctx).
		Model(&DiscountRedemption{}).
		Where("discount_id = ? AND user_id = ?", discountID, userID).
		Count(&total).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectDiscount, errorCodeCount, err)
	}
	return total, nil
}

func (store *DiscountStore) InsertRedemption(ctx context.Context, redemption discount.Redemption) (discount.Redemption, error) {
	model := DiscountRedemption{
		DiscountID:      redemption.DiscountID,
		Code:            redemption.Code,
		UserID:          redemption.UserID,
		AutomationID:    redemption.AutomationID,
		PaymentID:       stringPtr(redemption.PaymentID),
		AmountBeforeIRR: redemption.AmountBeforeIRR,
		AmountOffIRR:    redemption.AmountOffIRR,
		AmountAfterIRR:  redemption.AmountAfterIRR,
		CreatedAt:       unixToTime(redemption.CreatedUnixUTC),
	}
	if redemption.CreatedUnixUTC == 0 {
		model.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return discount.Redemption{}, wrapStoreError(errorSubjectDiscount, errorCodeInsert, err)
	}
	return mapRedemption(model), nil
}

// AttachNewestUnattached links the most recent reserved redemption for the
// user and automation to a settled payment. The payment_id IS NULL guard in
// the update keeps a replayed attach from stealing a different reservation.
func (store *DiscountStore) AttachNewestUnattached(ctx context.Context, userID string, automationID string, paymentID string) (bool, error) {
	attached := false
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var model DiscountRedemption
		err := transaction.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND automation_id = ? AND payment_id IS NULL", userID, automationID).
			Order("created_at DESC").
			Take(&model).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		result := transaction.
			Model(&DiscountRedemption{}).
			Where("id = ? AND payment_id IS NULL", model.ID).
			Update("payment_id", paymentID)
		if result.Error != nil {
			return result.Error
		}
		attached = result.RowsAffected > 0
		return nil
	})
	if err != nil {
		if isUniqueViolation(err, constraintRedemptionPaymentID) {
			return false, nil
		}
		return false, wrapStoreError(errorSubjectDiscount, errorCodeAttach, err)
	}
	return attached, nil
}

func mapDiscount(row Discount, automationIDs []string) discount.Discount {
	return discount.Discount{
		ID:              row.ID,
		Code:            row.Code,
		PercentOff:      row.PercentOff,
		Active:          row.Active,
		StartsAtUnixUTC: timeOrZero(row.StartsAt),
		EndsAtUnixUTC:   timeOrZero(row.EndsAt),
		MaxRedemptions:  row.MaxRedemptions,
		MaxPerUser:      row.MaxPerUser,
		AutomationIDs:   automationIDs,
		CreatedUnixUTC:  row.CreatedAt.Unix(),
		UpdatedUnixUTC:  row.UpdatedAt.Unix(),
	}
}

func mapRedemption(row DiscountRedemption) discount.Redemption {
	return discount.Redemption{
		ID:              row.ID,
		DiscountID:      row.DiscountID,
		Code:            row.Code,
		UserID:          row.UserID,
		AutomationID:    row.AutomationID,
		PaymentID:       stringOrEmpty(row.PaymentID),
		AmountBeforeIRR: row.AmountBeforeIRR,
		AmountOffIRR:    row.AmountOffIRR,
		AmountAfterIRR:  row.AmountAfterIRR,
		CreatedUnixUTC:  row.CreatedAt.Unix(),
	}
}
