package llm

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

type GuardConfig struct {
	MaxAttempts        int
	Timeout            time.Duration
	RatePerMinute      int
	BreakerMaxFailures uint32
	BreakerOpenTimeout time.Duration
}

func (c GuardConfig) withDefaults() GuardConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BreakerMaxFailures == 0 {
		c.BreakerMaxFailures = 5
	}
	if c.BreakerOpenTimeout <= 0 {
		c.BreakerOpenTimeout = 30 * time.Second
	}
	return c
}

// Guard wraps a TextGenerator with a rate limit, a per-call timeout, retries
// for transient failures and a circuit breaker. Every error it returns is a
// *ServiceError.
type Guard struct {
	next    TextGenerator
	cfg     GuardConfig
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     logrus.FieldLogger
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewGuard(next TextGenerator, cfg GuardConfig, logger logrus.FieldLogger) *Guard {
	cfg = cfg.withDefaults()
	if logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		logger = l
	}
	limit := rate.Inf
	if cfg.RatePerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RatePerMinute))
	}
	g := &Guard{
		next:    next,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		log:     logger,
		sleep:   sleepContext,
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "text-generation",
		Timeout: cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFailures
		},
		// Rejected requests say nothing about service health.
		IsSuccessful: func(err error) bool {
			return err == nil || classifyTransportError(err) == ClassClient
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"circuit_breaker": name,
				"from_state":      from.String(),
				"to_state":        to.String(),
			}).Warn("circuit breaker state changed")
		},
	})
	return g
}

func (g *Guard) ModelName() string { return g.next.ModelName() }

func (g *Guard) Generate(ctx context.Context, system, prompt string) (string, error) {
	var lastErr error
	var lastClass FailureClass
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", &ServiceError{Class: ClassTimeout, Attempts: attempt - 1, Err: err}
		}
		attemptStart := time.Now()
		fields := logrus.Fields{"model": g.next.ModelName(), "attempt": attempt}
		g.log.WithFields(fields).Debug("llm_attempt_start")

		out, err := g.breaker.Execute(func() (interface{}, error) {
			return g.call(ctx, system, prompt)
		})
		fields["elapsed_ms"] = time.Since(attemptStart).Milliseconds()
		if err == nil {
			text := out.(string)
			fields["response_chars"] = len(text)
			g.log.WithFields(fields).Info("llm_attempt_success")
			return text, nil
		}

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			g.log.WithFields(fields).Warn("llm_attempt_circuit_open")
			return "", &ServiceError{Class: ClassCircuitOpen, Attempts: attempt, Err: err}
		}
		lastErr, lastClass = err, classifyTransportError(err)
		fields["class"] = string(lastClass)
		g.log.WithFields(fields).WithError(err).Warn("llm_attempt_transport_error")
		if ctx.Err() != nil {
			return "", &ServiceError{Class: ClassTimeout, Attempts: attempt, Err: err}
		}
		if !lastClass.Retryable() || attempt == g.cfg.MaxAttempts {
			return "", &ServiceError{Class: lastClass, Attempts: attempt, Err: err}
		}
		if err := g.sleep(ctx, backoffDelay(attempt)); err != nil {
			return "", &ServiceError{Class: ClassTimeout, Attempts: attempt, Err: err}
		}
	}
	return "", &ServiceError{Class: lastClass, Attempts: g.cfg.MaxAttempts, Err: lastErr}
}

func (g *Guard) call(ctx context.Context, system, prompt string) (string, error) {
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}
	return g.next.Generate(ctx, system, prompt)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
