package models

import (
	"time"
)

type Order struct {
	ID                    string  `gorm:"primaryKey;size:36"`
	ActorID               string  `gorm:"size:64;not null;index:idx_ar_orders_actor_state,priority:1"`
	State                 string  `gorm:"size:16;not null;index:idx_ar_orders_actor_state,priority:2;index:idx_ar_orders_state_created,priority:1"`
	Kind                  string  `gorm:"size:16;not null"`
	SlotID                *string `gorm:"size:64;index"`
	Amount                int64   `gorm:"not null"` // minor units
	Currency              string  `gorm:"size:10;default:'USD'"`
	PaymentMethod         string  `gorm:"size:16;not null"`
	GatewayTransactionRef *string `gorm:"size:100"`
	GatewayPaymentRef     *string `gorm:"size:100"`
	IdempotencyKey        string  `gorm:"size:64;not null;index"`
	SessionID             string  `gorm:"size:64"`
	RetryOf               *string `gorm:"size:36;index"`

	Items []OrderItem `gorm:"foreignKey:OrderID;references:ID"`

	CreatedAt  time.Time `gorm:"index:idx_ar_orders_state_created,priority:2"`
	UpdatedAt  time.Time
	TerminalAt *time.Time
}

func (o *Order) TableName() string {
	return "ar_orders"
}

// OrderItem snapshots the price each cart line was sold at.
type OrderItem struct {
	ID        uint   `gorm:"primaryKey"`
	OrderID   string `gorm:"size:36;not null;index"`
	ItemID    string `gorm:"size:64;not null"`
	ItemType  string `gorm:"size:32;not null"`
	UnitPrice int64  `gorm:"not null"`
}

func (i *OrderItem) TableName() string {
	return "ar_order_items"
}

func init() {
	RegisterAutoMigrateModels(&Order{}, &OrderItem{})
	// storage-level backstops: one live booking per slot, one PENDING attempt per idempotency key
	RegisterIndex("uidx_ar_orders_live_slot",
		"CREATE UNIQUE INDEX IF NOT EXISTS uidx_ar_orders_live_slot ON ar_orders (slot_id) WHERE slot_id IS NOT NULL AND state IN ('PENDING', 'PAID')")
	RegisterIndex("uidx_ar_orders_pending_idem",
		"CREATE UNIQUE INDEX IF NOT EXISTS uidx_ar_orders_pending_idem ON ar_orders (idempotency_key) WHERE state = 'PENDING'")
}
