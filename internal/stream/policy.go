package stream

import (
	"time"

	"chat-sync/internal/config"

	"github.com/cenkalti/backoff/v4"
)

// Policy decides how long to wait before the next reconnect attempt. Next
// returns false once no further attempt should be made.
type Policy interface {
	Next() (time.Duration, bool)
	Reset()
}

type PolicyFactory func() Policy

type backoffPolicy struct {
	b backoff.BackOff
}

func (p *backoffPolicy) Next() (time.Duration, bool) {
	d := p.b.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	return d, true
}

func (p *backoffPolicy) Reset() {
	p.b.Reset()
}

// NewBackoffPolicy waits exponentially longer between attempts, with jitter,
// and gives up after cfg.MaxRetries consecutive failures (never when zero).
func NewBackoffPolicy(cfg config.ReconnectConfig) Policy {
	eb := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		eb.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		eb.MaxInterval = cfg.MaxInterval
	}
	if cfg.Multiplier >= 1 {
		eb.Multiplier = cfg.Multiplier
	}
	eb.RandomizationFactor = cfg.RandomizationFactor
	eb.MaxElapsedTime = 0
	eb.Reset()

	var b backoff.BackOff = eb
	if cfg.MaxRetries > 0 {
		b = backoff.WithMaxRetries(eb, uint64(cfg.MaxRetries))
	}
	return &backoffPolicy{b: b}
}

func BackoffPolicyFactory(cfg config.ReconnectConfig) PolicyFactory {
	return func() Policy { return NewBackoffPolicy(cfg) }
}

// NewImmediatePolicy reconnects without delay. With maxRetries of zero it
// never gives up.
func NewImmediatePolicy(maxRetries int) Policy {
	var b backoff.BackOff = &backoff.ZeroBackOff{}
	if maxRetries > 0 {
		b = backoff.WithMaxRetries(b, uint64(maxRetries))
	}
	return &backoffPolicy{b: b}
}
