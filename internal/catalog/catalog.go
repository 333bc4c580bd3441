// Package catalog reads the automation registry. Listing CRUD and health
// probing belong to the admin surface; this service only consumes the rows.
package catalog

import (
	"context"
	"errors"
)

// AutomationStatus is the registry lifecycle.
type AutomationStatus string

const (
	AutomationStatusActive    AutomationStatus = "active"
	AutomationStatusSuspended AutomationStatus = "suspended"
)

// ErrAutomationNotFound is returned for unknown automation ids.
var ErrAutomationNotFound = errors.New("automation not found")

// Automation is a marketplace listing.
type Automation struct {
	ID                string
	Name              string
	Status            AutomationStatus
	Healthy           bool
	PricePerTokenIRR  int64
	DemoGrantTokens   int64
	MinPurchaseTokens int64
	MaxPurchaseTokens int64
	ServiceTokenHash  string
	CreatedUnixUTC    int64
	UpdatedUnixUTC    int64
}

// Purchasable reports whether new payments may target this automation.
func (automation Automation) Purchasable() bool {
	return automation.Status == AutomationStatusActive && automation.Healthy
}

// Store reads the automation registry.
type Store interface {
	GetAutomation(ctx context.Context, automationID string) (Automation, error)
}
