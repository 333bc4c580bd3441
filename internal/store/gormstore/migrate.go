package gormstore

import "gorm.io/gorm"

// Models lists every table this package owns, in dependency order.
func Models() []any {
	return []any{
		&Balance{},
		&Adjustment{},
		&Payment{},
		&Discount{},
		&DiscountAutomation{},
		&DiscountRedemption{},
		&Automation{},
		&OutboxEvent{},
	}
}

// AutoMigrate creates or updates the schema for every model. Intended for
// sqlite development and tests; production schemas are managed externally.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
