package discount

import "context"

// Discount is a percentage-off code configured through the admin surface.
// Window bounds and caps use zero as "no limit".
type Discount struct {
	ID              string
	Code            string
	PercentOff      int64
	Active          bool
	StartsAtUnixUTC int64
	EndsAtUnixUTC   int64
	MaxRedemptions  int64
	MaxPerUser      int64
	AutomationIDs   []string
	CreatedUnixUTC  int64
	UpdatedUnixUTC  int64
}

// AppliesTo reports whether the code covers the automation. An empty
// allow-list covers every automation.
func (discount Discount) AppliesTo(automationID string) bool {
	if len(discount.AutomationIDs) == 0 {
		return true
	}
	for _, id := range discount.AutomationIDs {
		if id == automationID {
			return true
		}
	}
	return false
}

// Quote is a pricing request for a code against a pending purchase.
type Quote struct {
	Code            string
	UserID          string
	AutomationID    string
	AmountBeforeIRR int64
}

// PriceQuote is the priced outcome. RedemptionID names the reserved
// redemption row the payment flow later attaches to.
type PriceQuote struct {
	RedemptionID    string
	DiscountID      string
	Code            string
	PercentOff      int64
	AmountBeforeIRR int64
	AmountOffIRR    int64
	AmountAfterIRR  int64
}

// Redemption is one reserved use of a code. PaymentID stays empty until the
// payment created from the quote attaches itself.
type Redemption struct {
	ID              string
	DiscountID      string
	Code            string
	UserID          string
	AutomationID    string
	PaymentID       string
	AmountBeforeIRR int64
	AmountOffIRR    int64
	AmountAfterIRR  int64
	CreatedUnixUTC  int64
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetDiscountByCodeForUpdate(ctx context.Context, code string) (Discount, error)
	CountRedemptions(ctx context.Context, discountID string) (int64, error)
	CountUserRedemptions(ctx context.Context, discountID string, userID string) (int64, error)
	InsertRedemption(ctx context.Context, redemption Redemption) (Redemption, error)
	AttachNewestUnattached(ctx context.Context, userID string, automationID string, paymentID string) (bool, error)
}
