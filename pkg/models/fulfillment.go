package models

import (
	"time"
)

// FulfillmentReceipt marks an order whose fulfillment action has already run.
type FulfillmentReceipt struct {
	OrderID   string `gorm:"primaryKey;size:36"`
	Action    string `gorm:"size:32;not null"`
	CreatedAt time.Time
}

func (r *FulfillmentReceipt) TableName() string {
	return "ar_fulfillment_receipts"
}

func init() {
	RegisterAutoMigrateModels(&FulfillmentReceipt{})
}
