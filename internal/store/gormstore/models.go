package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Balance represents the balances table. One row per (user, automation).
type Balance struct {
	ID           string    `gorm:"type:uuid;primaryKey"`
	UserID       string    `gorm:"not null;index:idx_balances_user_automation,unique,priority:1"`
	AutomationID string    `gorm:"not null;index:idx_balances_user_automation,unique,priority:2"`
	DemoTokens   int64     `gorm:"not null"`
	PaidTokens   int64     `gorm:"not null"`
	DemoActive   bool      `gorm:"not null"`
	DemoExpired  bool      `gorm:"not null"`
	Status       string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (Balance) TableName() string { return "balances" }

func (balance *Balance) BeforeCreate(tx *gorm.DB) error {
	if balance.ID == "" {
		balance.ID = uuid.NewString()
	}
	return nil
}

// Adjustment mirrors the adjustments table, the append-only audit trail.
// IdempotencyKey is nullable so unkeyed adjustments never collide.
type Adjustment struct {
	ID               string         `gorm:"type:uuid;primaryKey"`
	BalanceID        string         `gorm:"type:uuid;not null;index:idx_adjustments_balance_created,priority:1"`
	ActorKind        string         `gorm:"not null"`
	ActorID          string         `gorm:"not null"`
	DeltaTokens      int64          `gorm:"not null"`
	Reason           string         `gorm:"not null"`
	Note             string         `gorm:""`
	RelatedPaymentID *string        `gorm:"type:uuid"`
	IdempotencyKey   *string        `gorm:"uniqueIndex:uniq_adjustments_idempotency_key"`
	Meta             datatypes.JSON `gorm:"not null"`
	CreatedAt        time.Time      `gorm:"not null;index:idx_adjustments_balance_created,priority:2"`
}

func (Adjustment) TableName() string { return "adjustments" }

func (adjustment *Adjustment) BeforeCreate(tx *gorm.DB) error {
	if adjustment.ID == "" {
		adjustment.ID = uuid.NewString()
	}
	return nil
}

// Payment mirrors the payments table.
type Payment struct {
	ID              string     `gorm:"type:uuid;primaryKey"`
	TransactionID   string     `gorm:"not null;uniqueIndex:uniq_payments_transaction_id"`
	UserID          string     `gorm:"not null;index:idx_payments_user_created,priority:1"`
	AutomationID    string     `gorm:"not null"`
	Tokens          int64      `gorm:"not null"`
	AmountIRR       int64      `gorm:"not null"`
	AmountBeforeIRR int64      `gorm:"not null"`
	DiscountCode    string     `gorm:""`
	Status          string     `gorm:"not null;index:idx_payments_status_created,priority:1"`
	Authority       string     `gorm:""`
	RefID           string     `gorm:""`
	FailureReason   string     `gorm:""`
	ReturnPath      string     `gorm:""`
	CreatedAt       time.Time  `gorm:"not null;index:idx_payments_user_created,priority:2;index:idx_payments_status_created,priority:2"`
	UpdatedAt       time.Time  `gorm:"not null"`
	CompletedAt     *time.Time `gorm:""`
}

func (Payment) TableName() string { return "payments" }

func (payment *Payment) BeforeCreate(tx *gorm.DB) error {
	if payment.ID == "" {
		payment.ID = uuid.NewString()
	}
	return nil
}

// Discount mirrors the discounts table. Codes are stored upper case.
type Discount struct {
	ID             string     `gorm:"type:uuid;primaryKey"`
	Code           string     `gorm:"not null;uniqueIndex:uniq_discounts_code"`
	PercentOff     int64      `gorm:"not null"`
	Active         bool       `gorm:"not null"`
	StartsAt       *time.Time `gorm:""`
	EndsAt         *time.Time `gorm:""`
	MaxRedemptions int64      `gorm:"not null"`
	MaxPerUser     int64      `gorm:"not null"`
	CreatedAt      time.Time  `gorm:"not null"`
	UpdatedAt      time.Time  `gorm:"not null"`
}

func (Discount) TableName() string { return "discounts" }

func (discount *Discount) BeforeCreate(tx *gorm.DB) error {
	if discount.ID == "" {
		discount.ID = uuid.NewString()
	}
	return nil
}

// DiscountAutomation is the allow-list join table. A discount with no rows
// here covers every automation.
type DiscountAutomation struct {
	DiscountID   string `gorm:"type:uuid;primaryKey"`
	AutomationID string `gorm:"primaryKey"`
}

func (DiscountAutomation) TableName() string { return "discount_automations" }

// DiscountRedemption mirrors the discount_redemptions table. PaymentID is
// null while the redemption is reserved and unique once attached.
type DiscountRedemption struct {
	ID              string    `gorm:"type:uuid;primaryKey"`
	DiscountID      string    `gorm:"type:uuid;not null;index"`
	Code            string    `gorm:"not null"`
	UserID          string    `gorm:"not null;index:idx_redemptions_user_automation,priority:1"`
	AutomationID    string    `gorm:"not null;index:idx_redemptions_user_automation,priority:2"`
	PaymentID       *string   `gorm:"type:uuid;uniqueIndex:uniq_redemptions_payment_id"`
	AmountBeforeIRR int64     `gorm:"not null"`
	AmountOffIRR    int64     `gorm:"not null"`
	AmountAfterIRR  int64     `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null"`
}

func (DiscountRedemption) TableName() string { return "discount_redemptions" }

func (redemption *DiscountRedemption) BeforeCreate(tx *gorm.DB) error {
	if redemption.ID == "" {
		redemption.ID = uuid.NewString()
	}
	return nil
}

// Automation mirrors the automations table, the purchasable catalog.
type Automation struct {
	ID                string    `gorm:"type:uuid;primaryKey"`
	Name              string    `gorm:"not null"`
	Status            string    `gorm:"not null"`
	Healthy           bool      `gorm:"not null"`
	PricePerTokenIRR  int64     `gorm:"not null"`
	DemoGrantTokens   int64     `gorm:"not null"`
	MinPurchaseTokens int64     `gorm:"not null"`
	MaxPurchaseTokens int64     `gorm:"not null"`
	ServiceTokenHash  string    `gorm:""`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (Automation) TableName() string { return "automations" }

func (automation *Automation) BeforeCreate(tx *gorm.DB) error {
	if automation.ID == "" {
		automation.ID = uuid.NewString()
	}
	return nil
}

// OutboxEvent mirrors the outbox_events table.
type OutboxEvent struct {
	ID          string         `gorm:"type:uuid;primaryKey"`
	AggregateID string         `gorm:"not null;index"`
	EventType   string         `gorm:"not null"`
	Topic       string         `gorm:"not null"`
	Payload     datatypes.JSON `gorm:"not null"`
	Status      string         `gorm:"not null;index:idx_outbox_status_created,priority:1"`
	Attempts    int            `gorm:"not null"`
	LastError   string         `gorm:""`
	CreatedAt   time.Time      `gorm:"not null;index:idx_outbox_status_created,priority:2"`
	PublishedAt *time.Time     `gorm:""`
}

func (OutboxEvent) TableName() string { return "outbox_events" }

func (event *OutboxEvent) BeforeCreate(tx *gorm.DB) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	return nil
}
