package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// BalanceStatus defines the balance lifecycle.
type BalanceStatus string

const (
	BalanceStatusActive    BalanceStatus = "active"
	BalanceStatusSuspended BalanceStatus = "suspended"
)

// Valid reports whether the status is a known lifecycle state.
func (status BalanceStatus) Valid() bool {
	switch status {
	case BalanceStatusActive, BalanceStatusSuspended:
		return true
	}
	return false
}

// ActorKind classifies who performed a balance mutation.
type ActorKind string

const (
	ActorUser       ActorKind = "user"
	ActorAdmin      ActorKind = "admin"
	ActorAutomation ActorKind = "automation"
	ActorSystem     ActorKind = "system"
)

// Actor identifies the principal behind an adjustment.
type Actor struct {
	Kind ActorKind
	ID   string
}

// NewActor validates and normalizes an actor reference.
func NewActor(kind ActorKind, rawID string) (Actor, error) {
	actor := Actor{Kind: kind, ID: strings.TrimSpace(rawID)}
	if err := actor.validate(); err != nil {
		return Actor{}, err
	}
	return actor, nil
}

// SystemActor is the principal for service-initiated mutations.
func SystemActor() Actor {
	return Actor{Kind: ActorSystem, ID: "system"}
}

func (actor Actor) validate() error {
	switch actor.Kind {
	case ActorUser, ActorAdmin, ActorAutomation, ActorSystem:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidActor, actor.Kind)
	}
	if strings.TrimSpace(actor.ID) == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidActor)
	}
	return nil
}

// CounterScope names the balance counter a reason mutates.
type CounterScope string

const (
	ScopePaid CounterScope = "paid"
	ScopeDemo CounterScope = "demo"
)

// Reason classifies an adjustment and binds it to one counter.
type Reason string

const (
	ReasonPurchase    Reason = "purchase"
	ReasonUsage       Reason = "usage"
	ReasonRefund      Reason = "refund"
	ReasonAdminAdjust Reason = "admin_adjust"
	ReasonDemoGrant   Reason = "demo_grant"
	ReasonDemoUsage   Reason = "demo_usage"
	ReasonDemoExpire  Reason = "demo_expire"
)

// Scope returns the counter the reason applies to.
func (reason Reason) Scope() CounterScope {
	switch reason {
	case ReasonDemoGrant, ReasonDemoUsage, ReasonDemoExpire:
		return ScopeDemo
	}
	return ScopePaid
}

// Valid reports whether the reason is part of the adjustment taxonomy.
func (reason Reason) Valid() bool {
	switch reason {
	case ReasonPurchase, ReasonUsage, ReasonRefund, ReasonAdminAdjust,
		ReasonDemoGrant, ReasonDemoUsage, ReasonDemoExpire:
		return true
	}
	return false
}

// allowsDelta enforces the sign each reason permits.
func (reason Reason) allowsDelta(delta int64) bool {
	switch reason {
	case ReasonPurchase, ReasonDemoGrant:
		return delta > 0
	case ReasonUsage, ReasonRefund, ReasonDemoUsage, ReasonDemoExpire:
		return delta < 0
	case ReasonAdminAdjust:
		return delta != 0
	}
	return false
}

// PaidReasons lists every reason that mutates the paid counter.
func PaidReasons() []Reason {
	return []Reason{ReasonPurchase, ReasonUsage, ReasonRefund, ReasonAdminAdjust}
}

// DemoReasons lists every reason that mutates the demo counter.
func DemoReasons() []Reason {
	return []Reason{ReasonDemoGrant, ReasonDemoUsage, ReasonDemoExpire}
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates a metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	return metadata.value
}

// Balance is the per-user, per-automation token position. Rows are never deleted.
type Balance struct {
	ID             string
	UserID         string
	AutomationID   string
	DemoTokens     int64
	PaidTokens     int64
	DemoActive     bool
	DemoExpired    bool
	Status         BalanceStatus
	CreatedUnixUTC int64
	UpdatedUnixUTC int64
}

// Adjustment is a single immutable audit line. One row per counter mutation.
type Adjustment struct {
	ID               string
	BalanceID        string
	Actor            Actor
	DeltaTokens      int64
	Reason           Reason
	Note             string
	RelatedPaymentID string
	IdempotencyKey   string
	Meta             MetadataJSON
	CreatedUnixUTC   int64
}

// ApplyInput describes a requested balance mutation.
type ApplyInput struct {
	BalanceID        string
	Actor            Actor
	DeltaTokens      int64
	Reason           Reason
	Note             string
	RelatedPaymentID string
	IdempotencyKey   string
	Meta             MetadataJSON
}

func (input ApplyInput) validate() error {
	if strings.TrimSpace(input.BalanceID) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidBalanceID)
	}
	if err := input.Actor.validate(); err != nil {
		return err
	}
	if !input.Reason.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidReason, input.Reason)
	}
	if input.DeltaTokens == 0 {
		return fmt.Errorf("%w: delta must not be zero", ErrInvalidDelta)
	}
	if !input.Reason.allowsDelta(input.DeltaTokens) {
		return fmt.Errorf("%w: reason %s does not allow delta %d", ErrInvalidDelta, input.Reason, input.DeltaTokens)
	}
	return nil
}

// ConsumeInput describes a usage debit request.
type ConsumeInput struct {
	BalanceID      string
	Units          int64
	UsageType      string
	IdempotencyKey string
	Meta           MetadataJSON
}

func (input ConsumeInput) validate() error {
	if strings.TrimSpace(input.BalanceID) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidBalanceID)
	}
	if input.Units <= 0 {
		return fmt.Errorf("%w: units must be positive", ErrInvalidUnits)
	}
	return nil
}

// RejectReason explains a declined consumption. Rejections are outcomes, not errors.
type RejectReason string

const (
	RejectInsufficientTokens RejectReason = "insufficient_tokens"
	RejectBalanceSuspended   RejectReason = "balance_suspended"
)

// ConsumeResult reports how a usage debit was settled across the two counters.
type ConsumeResult struct {
	Accepted            bool
	Replayed            bool
	ConsumedDemoTokens  int64
	ConsumedPaidTokens  int64
	RemainingDemoTokens int64
	RemainingPaidTokens int64
	RejectReason        RejectReason
}

// ReconcileReport compares stored counters against the adjustment history.
type ReconcileReport struct {
	BalanceID    string
	PaidTokens   int64
	PaidDeltaSum int64
	DemoTokens   int64
	DemoDeltaSum int64
	Consistent   bool
}

// Store is the persistence contract used by Service. Implementations must map
// unique-key violations on the adjustment idempotency key to ErrDuplicateIdempotencyKey.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetBalance(ctx context.Context, balanceID string) (Balance, error)
	GetBalanceForUpdate(ctx context.Context, balanceID string) (Balance, error)
	GetOrCreateBalance(ctx context.Context, userID string, automationID string, demoTokens int64) (Balance, bool, error)
	UpdateBalanceCounters(ctx context.Context, balance Balance) error
	SetBalanceStatus(ctx context.Context, balanceID string, status BalanceStatus) error
	InsertAdjustment(ctx context.Context, adjustment Adjustment) (Adjustment, error)
	FindAdjustmentByKey(ctx context.Context, idempotencyKey string) (Adjustment, bool, error)
	ListAdjustments(ctx context.Context, balanceID string, beforeUnixUTC int64, limit int) ([]Adjustment, error)
	ListBalancesByUser(ctx context.Context, userID string) ([]Balance, error)
	SumDeltasByReason(ctx context.Context, balanceID string, reasons []Reason) (int64, error)
}
