package payment

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"

	"github.com/flaboy/aira-checkout/pkg/errors"
	"github.com/flaboy/aira-checkout/pkg/extensions/payment/utils"
	"github.com/flaboy/aira-checkout/pkg/models"
	"gorm.io/gorm"
)

// PaymentManager 支付管理器
type PaymentManager struct {
	db *gorm.DB
}

// NewPaymentManager 创建支付管理器
func NewPaymentManager(db *gorm.DB) *PaymentManager {
	return &PaymentManager{db: db}
}

// GetIntentRecord 根据公开支付引用获取支付意图记录
func (pm *PaymentManager) GetIntentRecord(ctx context.Context, paymentRef string) (*models.PaymentIntent, error) {
	intentID, err := utils.DecodePaymentHashID(paymentRef)
	if err != nil {
		return nil, err
	}

	var record models.PaymentIntent
	err = pm.db.WithContext(ctx).Where("id = ?", intentID).First(&record).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("payment intent %s: %w", paymentRef, errors.ErrInvalidPaymentRef)
	}
	if err != nil {
		return nil, fmt.Errorf("payment intent %s: %w", paymentRef, err)
	}

	slog.Info("[PaymentManager] resolved payment ref", "ref", paymentRef, "orderID", record.OrderID, "channel", record.Channel)
	return &record, nil
}

// GetIntentForOrder returns the intent recorded for orderID, or nil.
func (pm *PaymentManager) GetIntentForOrder(ctx context.Context, orderID string) (*models.PaymentIntent, error) {
	var record models.PaymentIntent
	err := pm.db.WithContext(ctx).Where("order_id = ?", orderID).First(&record).Error
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("payment intent for %s: %w", orderID, err)
	}
	return &record, nil
}
