package discount

import (
	"context"
	"errors"
	"strings"
)

// Service validates discount codes and reserves redemptions.
type Service struct {
	store Store
	nowFn func() int64
}

// NewService wires a Service.
func NewService(store Store, now func() int64) *Service {
	if now == nil {
		now = func() int64 { return 0 }
	}
	return &Service{store: store, nowFn: now}
}

// ValidateAndPrice checks a code against a pending purchase and reserves a
// redemption row in the same transaction. The row is inserted with an empty
// payment id; the payment flow attaches the payment once it exists.
//
// A code is usable while active, inside [StartsAt, EndsAt), covering the
// automation, and under both the global and per-user caps. Every rejection
// wraps ErrDiscountInvalid.
func (s *Service) ValidateAndPrice(ctx context.Context, quote Quote) (PriceQuote, error) {
	code := canonicalCode(quote.Code)
	if code == "" {
		return PriceQuote{}, ErrInvalidCode
	}
	userID := strings.TrimSpace(quote.UserID)
	if userID == "" {
		return PriceQuote{}, ErrInvalidUserID
	}
	automationID := strings.TrimSpace(quote.AutomationID)
	if automationID == "" {
		return PriceQuote{}, ErrInvalidAutomationID
	}
	if quote.AmountBeforeIRR < 0 {
		return PriceQuote{}, ErrInvalidAmount
	}

	var priced PriceQuote
	err := s.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
		found, err := txStore.GetDiscountByCodeForUpdate(ctx, code)
		if err != nil {
			if errors.Is(err, ErrDiscountNotFound) {
				return ErrCodeUnknown
			}
			return err
		}
		now := s.nowFn()
		if err := usable(found, automationID, now); err != nil {
			return err
		}
		if found.MaxRedemptions > 0 {
			count, err := txStore.CountRedemptions(ctx, found.ID)
			if err != nil {
				return err
			}
			if count >= found.MaxRedemptions {
				return ErrCodeExhausted
			}
		}
		if found.MaxPerUser > 0 {
			count, err := txStore.CountUserRedemptions(ctx, found.ID, userID)
			if err != nil {
				return err
			}
			if count >= found.MaxPerUser {
				return ErrUserLimitReached
			}
		}
		offIRR, afterIRR := priceFor(found.PercentOff, quote.AmountBeforeIRR)
		inserted, err := txStore.InsertRedemption(ctx, Redemption{
			DiscountID:      found.ID,
			Code:            found.Code,
			UserID:          userID,
			AutomationID:    automationID,
			AmountBeforeIRR: quote.AmountBeforeIRR,
			AmountOffIRR:    offIRR,
			AmountAfterIRR:  afterIRR,
			CreatedUnixUTC:  now,
		})
		if err != nil {
			return err
		}
		priced = PriceQuote{
			RedemptionID:    inserted.ID,
			DiscountID:      found.ID,
			Code:            found.Code,
			PercentOff:      found.PercentOff,
			AmountBeforeIRR: quote.AmountBeforeIRR,
			AmountOffIRR:    offIRR,
			AmountAfterIRR:  afterIRR,
		}
		return nil
	})
	if err != nil {
		return PriceQuote{}, err
	}
	return priced, nil
}

// AttachPayment links the newest unattached redemption for the user and
// automation to the payment. It reports false when no reserved redemption is
// waiting, which is the normal case for undiscounted purchases.
func (s *Service) AttachPayment(ctx context.Context, userID string, automationID string, paymentID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return false, ErrInvalidUserID
	}
	automationID = strings.TrimSpace(automationID)
	if automationID == "" {
		return false, ErrInvalidAutomationID
	}
	paymentID = strings.TrimSpace(paymentID)
	if paymentID == "" {
		return false, ErrInvalidPaymentID
	}
	return s.store.AttachNewestUnattached(ctx, userID, automationID, paymentID)
}

func usable(found Discount, automationID string, now int64) error {
	if !found.Active {
		return ErrCodeDisabled
	}
	if found.StartsAtUnixUTC > 0 && now < found.StartsAtUnixUTC {
		return ErrCodeNotStarted
	}
	if found.EndsAtUnixUTC > 0 && now >= found.EndsAtUnixUTC {
		return ErrCodeExpired
	}
	if !found.AppliesTo(automationID) {
		return ErrWrongAutomation
	}
	return nil
}

// priceFor rounds the discounted amount half up and never prices below zero.
func priceFor(percentOff int64, amountIRR int64) (offIRR int64, afterIRR int64) {
	offIRR = (amountIRR*percentOff + 50) / 100
	if offIRR > amountIRR {
		offIRR = amountIRR
	}
	return offIRR, amountIRR - offIRR
}

// canonicalCode trims and upper-cases user input so lookups match the stored
// canonical form.
func canonicalCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
