package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Значения по умолчанию
const (
	DefaultBase       = 30 * time.Second
	DefaultCap        = time.Hour
	DefaultJitter     = 0.5
	DefaultMaxRetries = 5
)

// Policy экспоненциальная задержка с джиттером.
// attempt считается с 1: первая повторная попытка ждет около Base.
type Policy struct {
	Base       time.Duration
	Cap        time.Duration
	Jitter     float64
	MaxRetries int
}

// DefaultPolicy политика по умолчанию
func DefaultPolicy() Policy {
	return Policy{Base: DefaultBase, Cap: DefaultCap, Jitter: DefaultJitter, MaxRetries: DefaultMaxRetries}
}

func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.MaxInterval = p.Cap
	b.RandomizationFactor = p.Jitter
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Delay задержка перед попыткой attempt, не больше Cap
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := p.newBackOff()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d > p.Cap {
		d = p.Cap
	}
	return d
}

// NextRetryAt момент следующей попытки
func (p Policy) NextRetryAt(attempt int, now time.Time) time.Time {
	return now.Add(p.Delay(attempt))
}

// Exhausted true, если попытка attempt превышает лимит
func (p Policy) Exhausted(attempt int) bool {
	return attempt > p.MaxRetries
}
