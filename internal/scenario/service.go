// Package scenario runs waterfall calculations for stored exit scenarios and
// serves the cap-table and scenario HTTP API.
//
// A calculation holds the scenario's lock from the moment it reads the cap
// table until its payout set has replaced the previous one, so concurrent
// recalculations of one scenario never interleave. Notifications (WebSocket,
// RabbitMQ) go out after the lock is released and never fail a calculation.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/capwater/waterfall-engine/internal/convertible"
	"github.com/capwater/waterfall-engine/internal/events"
	"github.com/capwater/waterfall-engine/internal/lock"
	"github.com/capwater/waterfall-engine/internal/metrics"
	"github.com/capwater/waterfall-engine/internal/model"
	"github.com/capwater/waterfall-engine/internal/store"
	"github.com/capwater/waterfall-engine/internal/waterfall"
)

// Config tunes a Service. Zero values take defaults.
type Config struct {
	LockWait time.Duration // default 10s
	Currency string        // default for new scenarios, USD when empty
}

// Service handles cap-table recording and scenario calculation.
type Service struct {
	store     store.Store
	engine    *waterfall.Engine
	locker    lock.Locker
	lockWait  time.Duration
	currency  string
	wsHub     *WSHub           // optional WebSocket hub for real-time broadcasts
	publisher events.Publisher // optional; Nop when nil
	now       func() time.Time
}

// NewService creates a scenario service.
// Pass nil for hub or publisher if that notification is not needed.
func NewService(st store.Store, engine *waterfall.Engine, locker lock.Locker, hub *WSHub, pub events.Publisher, cfg Config) *Service {
	if engine == nil {
		engine = waterfall.New(waterfall.DefaultOptions())
	}
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 10 * time.Second
	}
	if cfg.Currency == "" {
		cfg.Currency = waterfall.DefaultCurrency
	}
	return &Service{
		store:     st,
		engine:    engine,
		locker:    locker,
		lockWait:  cfg.LockWait,
		currency:  cfg.Currency,
		wsHub:     hub,
		publisher: pub,
		now:       time.Now,
	}
}

// Calculation is the outcome of one committed recomputation.
type Calculation struct {
	Scenario model.Scenario `json:"scenario"`
	Payouts  []model.Payout `json:"payouts"`
	Summary  model.Summary  `json:"summary"`
}

// Run recomputes a scenario's payouts from the current cap table and
// replaces its stored payout set. Errors match waterfall.ErrInvalidInput,
// store.ErrNotFound, lock.ErrLockTimeout or store.ErrPersistence; on any
// error the previously stored payouts are untouched.
func (s *Service) Run(ctx context.Context, scenarioID string) (*Calculation, error) {
	start := time.Now()
	calc, err := s.run(ctx, scenarioID)
	metrics.CalculationsTotal.WithLabelValues(outcome(err)).Inc()
	metrics.CalculationLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		slog.Error("calculation failed", "scenario", scenarioID, "err", err)
		return nil, err
	}

	slog.Info("scenario calculated",
		"scenario", calc.Scenario.ID,
		"company", calc.Scenario.CompanyID,
		"exit_amount", calc.Scenario.ExitAmount.String(),
		"payouts", len(calc.Payouts),
		"unallocated", calc.Summary.Unallocated.String(),
	)
	s.notify(ctx, calc)
	return calc, nil
}

func (s *Service) run(ctx context.Context, scenarioID string) (*Calculation, error) {
	lockCtx, cancel := context.WithTimeout(ctx, s.lockWait)
	defer cancel()

	waitStart := time.Now()
	release, err := s.locker.Lock(lockCtx, "scenario:"+scenarioID)
	metrics.LockWait.Observe(time.Since(waitStart).Seconds())
	if err != nil {
		return nil, err
	}
	defer release()

	return s.calculate(ctx, scenarioID)
}

// calculate must run under the scenario lock.
func (s *Service) calculate(ctx context.Context, scenarioID string) (*Calculation, error) {
	sc, err := s.store.GetScenario(ctx, scenarioID)
	if err != nil {
		return nil, err
	}
	ct, err := s.store.GetCapTable(ctx, sc.CompanyID)
	if err != nil {
		return nil, err
	}

	// The scenario's creation time is the as-of date for note interest, so
	// repeated runs derive the same share counts.
	in := waterfall.InputFor(*sc, *ct)
	in.Convertibles, err = convertible.ResolveMissing(in.Convertibles, in.Holdings, in.ExitAmount, sc.CreatedAt)
	if err != nil {
		return nil, err
	}

	res, err := s.engine.Compute(in)
	if err != nil {
		return nil, err
	}

	calculatedAt := s.now().UTC()
	for i := range res.Payouts {
		res.Payouts[i].ID = uuid.New().String()
		res.Payouts[i].ScenarioID = sc.ID
		res.Payouts[i].CreatedAt = calculatedAt
	}

	if err := s.store.ReplacePayouts(ctx, sc.ID, res.Payouts, calculatedAt); err != nil {
		return nil, err
	}
	sc.CalculatedAt = &calculatedAt

	for _, p := range res.Payouts {
		metrics.PayoutsWritten.WithLabelValues(string(p.SecurityType)).Inc()
		if p.SecurityType == model.SecurityConvertible {
			decision := "redeemed"
			if p.Converted {
				decision = "converted"
			}
			metrics.ConvertibleDecisions.WithLabelValues(decision).Inc()
		}
	}

	return &Calculation{Scenario: *sc, Payouts: res.Payouts, Summary: res.Summary}, nil
}

func (s *Service) notify(ctx context.Context, calc *Calculation) {
	if s.wsHub != nil {
		s.wsHub.Broadcast(WSMessage{
			Type:        "payouts_recalculated",
			ScenarioID:  calc.Scenario.ID,
			CompanyID:   calc.Scenario.CompanyID,
			ExitAmount:  calc.Scenario.ExitAmount.String(),
			EquityTotal: calc.Summary.EquityTotal.String(),
			Payouts:     len(calc.Payouts),
		})
	}

	ev := events.ScenarioCalculated{
		ScenarioID:       calc.Scenario.ID,
		CompanyID:        calc.Scenario.CompanyID,
		ExitAmount:       calc.Scenario.ExitAmount,
		Currency:         calc.Scenario.Currency,
		EquityTotal:      calc.Summary.EquityTotal,
		ConvertibleTotal: calc.Summary.ConvertibleTotal,
		Unallocated:      calc.Summary.Unallocated,
		PayoutCount:      len(calc.Payouts),
	}
	if calc.Scenario.CalculatedAt != nil {
		ev.CalculatedAt = *calc.Scenario.CalculatedAt
	}
	if err := s.publisher.PublishScenarioCalculated(ctx, ev); err != nil {
		metrics.EventPublishFailures.Inc()
		slog.Warn("scenario event not published", "scenario", calc.Scenario.ID, "err", err)
	}
}

// outcome labels a Run result for metrics.
func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case isInvalid(err):
		return "invalid"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, lock.ErrLockTimeout):
		return "lock_timeout"
	case store.IsRetryable(err):
		return "persistence"
	}
	return "error"
}

func isInvalid(err error) bool {
	return errors.Is(err, waterfall.ErrInvalidInput) ||
		errors.Is(err, convertible.ErrInvalidKind) ||
		errors.Is(err, convertible.ErrInvalidTerms) ||
		errors.Is(err, convertible.ErrZeroValuation) ||
		errors.Is(err, convertible.ErrNoPreMoneyShares)
}

// Payouts returns a scenario's stored payout set.
func (s *Service) Payouts(ctx context.Context, scenarioID string) (*model.Scenario, []model.Payout, error) {
	sc, err := s.store.GetScenario(ctx, scenarioID)
	if err != nil {
		return nil, nil, err
	}
	payouts, err := s.store.ListPayouts(ctx, scenarioID)
	if err != nil {
		return nil, nil, fmt.Errorf("list payouts: %w", err)
	}
	return sc, payouts, nil
}
