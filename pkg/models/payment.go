package models

import (
	"time"
)

const (
	IntentStatusPending   = "pending"
	IntentStatusCreated   = "created"
	IntentStatusCompleted = "completed"
	IntentStatusFailed    = "failed"
)

// PaymentIntent is the local record of one gateway charge intent. One per order.
type PaymentIntent struct {
	ID              uint   `gorm:"primaryKey"`
	OrderID         string `gorm:"size:36;not null;uniqueIndex"`
	ExternalOrderID string `gorm:"size:100;index"` // gateway order id
	Channel         string `gorm:"size:50"`        // paypal
	Amount          int64  `gorm:"not null"`       // minor units
	Currency        string `gorm:"size:10;default:'USD'"`
	Status          string `gorm:"size:20"` // pending, created, completed, failed
	ApprovalURL     string `gorm:"size:500"`
	CaptureID       string `gorm:"size:100"`

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

func (p *PaymentIntent) TableName() string {
	return "ar_payment_intents"
}

func init() {
	RegisterAutoMigrateModels(&PaymentIntent{})
}
