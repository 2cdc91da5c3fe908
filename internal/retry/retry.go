// Package retry runs operations against the family zone with bounded,
// backed-off retries and a timeout on every attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goretry "github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type Backoff string

const (
	BackoffConstant    Backoff = "constant"
	BackoffExponential Backoff = "exponential"
)

var (
	ErrInvalidMaxAttempts    = errors.New("max attempts must be positive")
	ErrInvalidBaseDelay      = errors.New("base delay must be positive")
	ErrInvalidMaxDelay       = errors.New("max delay must not be negative")
	ErrInvalidBackoff        = errors.New("backoff must be constant or exponential")
	ErrInvalidJitterPercent  = errors.New("jitter percent must be between 0 and 100")
	ErrInvalidAttemptTimeout = errors.New("attempt timeout must be positive")
)

// Policy bounds how an operation is retried.
type Policy struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	Backoff        Backoff       `yaml:"backoff"`
	JitterPercent  uint64        `yaml:"jitter_percent"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		BaseDelay:      200 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Backoff:        BackoffExponential,
		JitterPercent:  20,
		AttemptTimeout: 10 * time.Second,
	}
}

func (p Policy) Validate() error {
	if p.MaxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}
	if p.BaseDelay <= 0 {
		return ErrInvalidBaseDelay
	}
	if p.MaxDelay < 0 {
		return ErrInvalidMaxDelay
	}
	if p.Backoff != BackoffConstant && p.Backoff != BackoffExponential {
		return ErrInvalidBackoff
	}
	if p.JitterPercent > 100 {
		return ErrInvalidJitterPercent
	}
	if p.AttemptTimeout <= 0 {
		return ErrInvalidAttemptTimeout
	}
	return nil
}

// Option adjusts a Policy.
type Option func(*Policy) error

func WithMaxAttempts(n int) Option {
	return func(p *Policy) error {
		if n <= 0 {
			return ErrInvalidMaxAttempts
		}
		p.MaxAttempts = n
		return nil
	}
}

func WithBaseDelay(d time.Duration) Option {
	return func(p *Policy) error {
		if d <= 0 {
			return ErrInvalidBaseDelay
		}
		p.BaseDelay = d
		return nil
	}
}

func WithBackoff(b Backoff) Option {
	return func(p *Policy) error {
		if b != BackoffConstant && b != BackoffExponential {
			return ErrInvalidBackoff
		}
		p.Backoff = b
		return nil
	}
}

func WithAttemptTimeout(d time.Duration) Option {
	return func(p *Policy) error {
		if d <= 0 {
			return ErrInvalidAttemptTimeout
		}
		p.AttemptTimeout = d
		return nil
	}
}

// ExhaustedError is returned when every attempt failed with a transient error.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Manager executes operations under a Policy.
type Manager struct {
	policy    Policy
	logger    *slog.Logger
	attempts  metric.Int64Counter
	exhausted metric.Int64Counter
}

func New(policy Policy, logger *slog.Logger) (*Manager, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	meter := otel.Meter("github.com/dukerupert/screenpoints/internal/retry")
	attempts, err := meter.Int64Counter("retry.attempts",
		metric.WithDescription("Attempts made against the family zone"))
	if err != nil {
		attempts = noop.Int64Counter{}
	}
	exhausted, err := meter.Int64Counter("retry.exhausted",
		metric.WithDescription("Operations that failed after every attempt"))
	if err != nil {
		exhausted = noop.Int64Counter{}
	}

	return &Manager{
		policy:    policy,
		logger:    logger.With("component", "retry"),
		attempts:  attempts,
		exhausted: exhausted,
	}, nil
}

func (m *Manager) Policy() Policy { return m.policy }

// With returns a Manager sharing m's logger and metrics with opts applied
// to a copy of its policy.
func (m *Manager) With(opts ...Option) (*Manager, error) {
	p := m.policy
	for _, opt := range opts {
		if err := opt(&p); err != nil {
			return nil, err
		}
	}
	c := *m
	c.policy = p
	return &c, nil
}

func (m *Manager) backoff() goretry.Backoff {
	var b goretry.Backoff
	if m.policy.Backoff == BackoffConstant {
		b = goretry.NewConstant(m.policy.BaseDelay)
	} else {
		b = goretry.NewExponential(m.policy.BaseDelay)
	}
	if m.policy.JitterPercent > 0 {
		b = goretry.WithJitterPercent(m.policy.JitterPercent, b)
	}
	if m.policy.MaxDelay > 0 {
		b = goretry.WithCappedDuration(m.policy.MaxDelay, b)
	}
	return goretry.WithMaxRetries(uint64(m.policy.MaxAttempts-1), b)
}

// Do runs fn until it succeeds, returns a permanent error, the parent
// context ends, or the attempts run out. Each call of fn gets its own
// deadline of AttemptTimeout.
func (m *Manager) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	opAttr := metric.WithAttributes(attribute.String("op", op))
	attempts := 0
	var last error

	err := goretry.Do(ctx, m.backoff(), func(ctx context.Context) error {
		attempts++
		m.attempts.Add(ctx, 1, opAttr)

		attemptCtx, cancel := context.WithTimeout(ctx, m.policy.AttemptTimeout)
		defer cancel()

		err := fn(attemptCtx)
		if err == nil {
			return nil
		}
		last = err
		if IsPermanent(err) || ctx.Err() != nil {
			return err
		}
		m.logger.Debug("attempt failed", "op", op, "attempt", attempts, "error", err)
		return goretry.RetryableError(err)
	})
	if err == nil {
		return nil
	}

	if IsPermanent(err) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if last != nil {
			return fmt.Errorf("%s: %w (last error: %v)", op, ctxErr, last)
		}
		return fmt.Errorf("%s: %w", op, ctxErr)
	}

	m.exhausted.Add(context.WithoutCancel(ctx), 1, opAttr)
	m.logger.Warn("retries exhausted", "op", op, "attempts", attempts, "error", last)
	return &ExhaustedError{Op: op, Attempts: attempts, Err: last}
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, m *Manager, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := m.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
