package payment

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/flaboy/aira-checkout/pkg/errors"
	"github.com/flaboy/aira-checkout/pkg/types"
)

type PaymentChannel interface {
	// 创建支付意图，对同一个 OrderID 幂等
	CreateIntent(ctx context.Context, req types.IntentRequest) (*types.GatewayIntent, error)

	// 向支付网关独立确认付款状态，不信任客户端的回调参数
	Verify(ctx context.Context, gatewayOrderRef, proof string) (*types.Verification, error)

	// 资源初始化
	Init() error

	// 获取渠道名称
	GetChannelName() string
}

var (
	mu              sync.RWMutex
	paymentChannels = map[string]PaymentChannel{}
)

// Register adds or replaces a channel under its name.
func Register(channel PaymentChannel) {
	mu.Lock()
	defer mu.Unlock()
	paymentChannels[channel.GetChannelName()] = channel
}

func Get(channel string) PaymentChannel {
	mu.RLock()
	defer mu.RUnlock()
	return paymentChannels[channel]
}

// Lookup is Get with ErrChannelNotFound for unknown names.
func Lookup(channel string) (PaymentChannel, error) {
	ch := Get(channel)
	if ch == nil {
		return nil, fmt.Errorf("payment channel %q: %w", channel, errors.ErrChannelNotFound)
	}
	return ch, nil
}

// Init initializes every registered channel.
func Init() error {
	mu.RLock()
	defer mu.RUnlock()
	for name, channel := range paymentChannels {
		if err := channel.Init(); err != nil {
			return fmt.Errorf("init payment channel %s: %w", name, err)
		}
	}
	return nil
}

// GetAvailableChannels 获取所有可用的支付渠道
func GetAvailableChannels() []string {
	mu.RLock()
	defer mu.RUnlock()
	channels := make([]string, 0, len(paymentChannels))
	for name := range paymentChannels {
		channels = append(channels, name)
	}
	sort.Strings(channels)
	return channels
}

// Reset drops every registered channel.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	paymentChannels = map[string]PaymentChannel{}
}
