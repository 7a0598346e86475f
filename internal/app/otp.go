package app

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/dkeye/duet/internal/domain"
	"github.com/rs/zerolog/log"
)

var ErrRateLimited = errors.New("too many attempts, try later")

// RateLimiter is a sliding-window limiter keyed by an arbitrary string.
type RateLimiter struct {
	mu       sync.Mutex
	history  map[string][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewRateLimiter(limit int, interval time.Duration) *RateLimiter {
	return &RateLimiter{
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[key]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[key] = fresh
		return false
	}
	rl.history[key] = append(fresh, now)
	return true
}

type otpEntry struct {
	code    string
	expires time.Time
}

// OTPIssuer hands out one-time passwords per phone number. Delivery is
// out of scope: codes are logged, which is all a development relay needs.
type OTPIssuer struct {
	mu       sync.Mutex
	codes    map[string]otpEntry
	verified map[string]time.Time
	limiter *RateLimiter
	ttl     time.Duration
	now     func() time.Time
}

func NewOTPIssuer(limit int, window, ttl time.Duration) *OTPIssuer {
	return &OTPIssuer{
		codes:    make(map[string]otpEntry),
		verified: make(map[string]time.Time),
		limiter: NewRateLimiter(limit, window),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (o *OTPIssuer) Issue(phone string) (string, error) {
	if err := domain.ValidatePhone(phone); err != nil {
		return "", err
	}
	if !o.limiter.Allow(phone) {
		return "", ErrRateLimited
	}
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	code := fmt.Sprintf("%06d", n.Int64())

	o.mu.Lock()
	o.codes[phone] = otpEntry{code: code, expires: o.now().Add(o.ttl)}
	o.mu.Unlock()

	log.Info().Str("module", "app.otp").Str("phone", phone).Str("otp", code).Msg("otp issued")
	return code, nil
}

// Verify consumes the code for phone if it matches and has not expired.
func (o *OTPIssuer) Verify(phone, code string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.codes[phone]
	if !ok {
		return false
	}
	if o.now().After(e.expires) {
		delete(o.codes, phone)
		return false
	}
	if subtle.ConstantTimeCompare([]byte(e.code), []byte(code)) != 1 {
		return false
	}
	delete(o.codes, phone)
	o.verified[phone] = o.now().Add(o.ttl)
	return true
}

// Verified reports whether phone passed Verify within the last ttl.
func (o *OTPIssuer) Verified(phone string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	until, ok := o.verified[phone]
	if !ok {
		return false
	}
	if o.now().After(until) {
		delete(o.verified, phone)
		return false
	}
	return true
}
