package utils

import (
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/flaboy/aira-checkout/pkg/errors"
	hashids "github.com/speps/go-hashids/v2"
)

const (
	paymentRefPrefix    = "pm-"
	paymentRefMinLength = 6
	defaultSalt         = "aira-checkout-payment"
)

var (
	hashMu sync.RWMutex
	hasher *hashids.HashID
)

func init() {
	if err := SetHashSalt(defaultSalt); err != nil {
		panic(err)
	}
}

// SetHashSalt replaces the salt used for public payment references. Call once at startup.
func SetHashSalt(salt string) error {
	hd := hashids.NewData()
	hd.Salt = salt
	hd.MinLength = paymentRefMinLength
	h, err := hashids.NewWithData(hd)
	if err != nil {
		return err
	}
	hashMu.Lock()
	hasher = h
	hashMu.Unlock()
	return nil
}

// EncodePaymentID 编码数据库ID为公开的支付引用
func EncodePaymentID(id uint) string {
	hashMu.RLock()
	h := hasher
	hashMu.RUnlock()

	s, err := h.EncodeInt64([]int64{int64(id)})
	if err != nil {
		// only negative numbers fail to encode
		panic(err)
	}
	return paymentRefPrefix + s
}

// DecodePaymentHashID 解码支付引用获取数据库ID
func DecodePaymentHashID(ref string) (uint, error) {
	if !strings.HasPrefix(ref, paymentRefPrefix) {
		return 0, fmt.Errorf("%q: %w", ref, errors.ErrInvalidPaymentRef)
	}
	hashMu.RLock()
	h := hasher
	hashMu.RUnlock()

	ids, err := h.DecodeInt64WithError(strings.TrimPrefix(ref, paymentRefPrefix))
	if err != nil || len(ids) != 1 || ids[0] <= 0 {
		return 0, fmt.Errorf("%q: %w", ref, errors.ErrInvalidPaymentRef)
	}
	return uint(ids[0]), nil
}

// BuildCallbackURL returns the URL the gateway redirects the buyer back to.
func BuildCallbackURL(baseURL, channel, ref, action string) string {
	q := url.Values{}
	q.Set("action", action)
	return strings.TrimRight(baseURL, "/") + "/payment/" + channel + "/callback/" + url.PathEscape(ref) + "?" + q.Encode()
}
