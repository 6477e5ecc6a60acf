package settlement

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"crosslend/native/xchain"
)

// ErrSweepInProgress is returned when a retry sweep is requested while
// another one is still running.
var ErrSweepInProgress = errors.New("settlement: sweep already in progress")

// sweepGuard admits a single sweep at a time.
type sweepGuard struct {
	running atomic.Bool
}

func (g *sweepGuard) acquire() bool { return g.running.CompareAndSwap(false, true) }
func (g *sweepGuard) release()      { g.running.Store(false) }

// SweepResult summarises one retry pass.
type SweepResult struct {
	Recovered int `json:"recovered"`
	Attempted int `json:"attempted"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
}

// RetryPending completes deferred funding, then re-dispatches every credited
// record once.
func (s *Settlement) RetryPending(ctx context.Context) (SweepResult, error) {
	if !s.sweep.acquire() {
		return SweepResult{}, ErrSweepInProgress
	}
	defer s.sweep.release()

	s.mu.Lock()
	paused := s.paused
	s.mu.Unlock()
	if paused {
		return SweepResult{}, xchain.ErrPaused
	}

	var result SweepResult
	result.Recovered = s.fundDeferred(ctx)
	pending, err := s.journal.ListByState(ctx, StateCredited, s.batch)
	if err != nil {
		return result, err
	}
	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Attempted++
		if err := s.Dispatch(ctx, rec.IntentID); err != nil {
			if errors.Is(err, ErrInFlight) {
				result.Attempted--
				continue
			}
			result.Failed++
			continue
		}
		result.Sent++
	}
	return result, nil
}

// fundDeferred runs every deferred funding once and reports how many records
// reached credited.
func (s *Settlement) fundDeferred(ctx context.Context) int {
	s.mu.Lock()
	batch := make(map[xchain.IntentID]FundFunc, len(s.unfunded))
	for id, fn := range s.unfunded {
		batch[id] = fn
	}
	s.mu.Unlock()

	recovered := 0
	for id, fn := range batch {
		if ctx.Err() != nil {
			break
		}
		if err := fn(ctx); err != nil {
			rec, gerr := s.journal.Get(ctx, id)
			stuck := gerr == nil && rec.State == StateReserved
			if stuck || (gerr != nil && !errors.Is(gerr, ErrRecordNotFound)) {
				s.logger.Warn("deferred settlement funding failed",
					slog.String("intent_id", id.Hex()),
					slog.Any("error", err))
				continue
			}
		} else {
			recovered++
		}
		s.mu.Lock()
		delete(s.unfunded, id)
		s.mu.Unlock()
	}
	return recovered
}

// Run starts the retry loop until the context is cancelled.
func (s *Settlement) Run(ctx context.Context) {
	interval := s.retry
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := s.RetryPending(ctx)
			switch {
			case err == nil:
				if result.Attempted > 0 || result.Recovered > 0 {
					s.logger.Info("settlement sweep complete",
						slog.Int("recovered", result.Recovered),
						slog.Int("attempted", result.Attempted),
						slog.Int("sent", result.Sent),
						slog.Int("failed", result.Failed))
				}
			case errors.Is(err, xchain.ErrPaused), errors.Is(err, ErrSweepInProgress):
			default:
				s.logger.Warn("settlement sweep failed", slog.Any("error", err))
			}
		}
	}
}
