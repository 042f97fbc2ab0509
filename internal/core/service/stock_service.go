package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/rl1809/stocklock/internal/core/domain"
	"github.com/rl1809/stocklock/internal/core/lock"
	"github.com/rl1809/stocklock/internal/port"
	"github.com/rl1809/stocklock/pkg/logger"
	"github.com/rl1809/stocklock/pkg/metrics"
)

var tracer = otel.Tracer("github.com/rl1809/stocklock/internal/core/service")

type Config struct {
	Default lock.Kind
	Retry   lock.RetryPolicy
}

// StockService runs decrements against the store under a lock strategy.
// Each attempt gets its own scope from the store, so a decrement never joins
// or outlives unrelated caller work.
type StockService struct {
	store   port.StockStore
	locks   *lock.Registry
	cfg     Config
	log     *logger.Logger
	metrics *metrics.Metrics
}

func NewStockService(store port.StockStore, locks *lock.Registry, cfg Config, log *logger.Logger, m *metrics.Metrics) *StockService {
	if log == nil {
		log = logger.Nop()
	}
	return &StockService{
		store:   store,
		locks:   locks,
		cfg:     cfg,
		log:     log.Named("stock-service"),
		metrics: m,
	}
}

func (s *StockService) DefaultStrategy() lock.Kind {
	return s.cfg.Default
}

// Decrement takes amount from the record id using the default strategy and
// returns the new quantity.
func (s *StockService) Decrement(ctx context.Context, id string, amount int64) (int64, error) {
	return s.DecrementWith(ctx, s.cfg.Default, id, amount)
}

// Execute is Decrement with the outcome folded into a DecrementResult.
func (s *StockService) Execute(ctx context.Context, req domain.DecrementRequest) domain.DecrementResult {
	kind := s.cfg.Default
	if req.Strategy != "" {
		k, err := lock.ParseKind(req.Strategy)
		if err != nil {
			return domain.Failed(err)
		}
		kind = k
	}

	qty, err := s.DecrementWith(ctx, kind, req.ID, req.Amount)
	if err != nil {
		return domain.Failed(err)
	}
	return domain.Succeeded(qty)
}

func (s *StockService) DecrementWith(ctx context.Context, kind lock.Kind, id string, amount int64) (qty int64, err error) {
	ctx, span := tracer.Start(ctx, "StockService.Decrement")
	defer span.End()
	span.SetAttributes(
		attribute.String("stock.id", id),
		attribute.Int64("stock.amount", amount),
		attribute.String("lock.strategy", string(kind)),
	)

	start := time.Now()
	defer func() {
		result := string(domain.Classify(err))
		if err == nil {
			result = "ok"
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, result)
		}
		s.metrics.ObserveDecrement(string(kind), result, time.Since(start))
	}()

	if err := (domain.DecrementRequest{ID: id, Amount: amount}).Validate(); err != nil {
		return 0, err
	}
	strategy, err := s.locks.Get(kind)
	if err != nil {
		return 0, err
	}

	for attempt := 1; ; attempt++ {
		qty, err = s.attempt(ctx, strategy, id, amount)
		if err == nil {
			span.SetAttributes(attribute.Int("stock.attempts", attempt))
			return qty, nil
		}
		if !domain.Retryable(err) {
			return 0, err
		}

		delay, ok := s.cfg.Retry.NextDelay(attempt)
		if !ok {
			span.SetAttributes(attribute.Int("stock.attempts", attempt))
			return 0, fmt.Errorf("decrement %s after %d attempts: %w", id, attempt, err)
		}

		s.metrics.IncRetry(string(kind))
		s.log.Debug().
			Str("id", id).
			Str("strategy", string(kind)).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(err).
			Msg("retrying decrement")

		if err := lock.Wait(ctx, delay); err != nil {
			return 0, err
		}
	}
}

// attempt is one read-validate-write cycle in a fresh scope.
func (s *StockService) attempt(ctx context.Context, strategy lock.Strategy, id string, amount int64) (int64, error) {
	var (
		scope port.Scope
		err   error
	)
	if strategy.Kind().ScopeBound() {
		if scope, err = s.store.Begin(ctx); err != nil {
			return 0, fmt.Errorf("begin scope: %w", err)
		}
	}
	lockScope := scope

	waitStart := time.Now()
	token, err := strategy.Acquire(ctx, lockScope, id)
	if err != nil {
		if scope != nil {
			_ = scope.Rollback(context.WithoutCancel(ctx))
		}
		return 0, err
	}
	s.metrics.ObserveLockWait(string(strategy.Kind()), time.Since(waitStart))

	committed := false
	defer func() {
		if scope != nil && !committed {
			_ = scope.Rollback(context.WithoutCancel(ctx))
		}
		// Release only after the scope ends: releasing first would let the
		// next holder read the pre-commit quantity.
		if err := strategy.Release(ctx, lockScope, token); err != nil {
			ev := s.log.Warn()
			if !committed {
				ev = s.log.Error()
			}
			ev.Str("id", id).Str("strategy", string(strategy.Kind())).Err(err).Msg("lock release failed")
		}
	}()

	if scope == nil {
		if scope, err = s.store.Begin(ctx); err != nil {
			return 0, fmt.Errorf("begin scope: %w", err)
		}
	}

	rec, err := scope.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if !rec.CanDecrement(amount) {
		return 0, fmt.Errorf("stock %s has %d, want %d: %w", id, rec.Quantity, amount, domain.ErrInsufficientStock)
	}
	newQty := rec.Quantity - amount

	if strategy.Kind().Conditional() {
		expected := rec.Version
		if b, ok := strategy.(lock.VersionBinder); ok {
			expected = b.BindVersion(rec)
		}
		ok, err := scope.CompareAndWrite(ctx, id, newQty, expected)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("stock %s at version %d: %w", id, expected, domain.ErrConflict)
		}
	} else if err := scope.Write(ctx, id, newQty); err != nil {
		return 0, err
	}

	if err := scope.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	committed = true

	return newQty, nil
}

// Quantity reads the committed quantity of id.
func (s *StockService) Quantity(ctx context.Context, id string) (int64, error) {
	if id == "" {
		return 0, domain.ErrInvalidID
	}
	scope, err := s.store.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin scope: %w", err)
	}
	defer func() { _ = scope.Rollback(context.WithoutCancel(ctx)) }()

	rec, err := scope.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return rec.Quantity, nil
}
