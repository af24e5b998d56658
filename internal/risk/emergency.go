package risk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/zerodte/internal/retry"
)

// Emergency stop outcomes.
const (
	StopSuccess = "success"
	StopPartial = "partial"
	StopFailed  = "failed"
)

// ErrNoExecutor is returned by EmergencyStop when the manager has no executor.
var ErrNoExecutor = errors.New("no order executor configured")

// StopResult records what an emergency stop completed.
type StopResult struct {
	Timestamp       time.Time `json:"timestamp"`
	Status          string    `json:"status"`
	Errors          []string  `json:"errors,omitempty"`
	OrdersCancelled int       `json:"orders_cancelled"`
	PositionsClosed int       `json:"positions_closed"`
}

// EmergencyStop cancels every working order and then closes every position.
// Cancelling is retried on transient failures until some orders were
// cancelled. Closing runs once, even if cancelling failed, because a repeated
// close would submit duplicate market orders for positions still filling.
// Completed work is never rolled back: the counts each step reported are kept
// and returned together with the joined step errors.
func (m *Manager) EmergencyStop(ctx context.Context) (StopResult, error) {
	res := StopResult{Timestamp: m.now(), Status: StopFailed}
	if m.executor == nil {
		res.Errors = []string{ErrNoExecutor.Error()}
		return res, ErrNoExecutor
	}
	m.logger.Warn("Emergency stop initiated")

	var errs []error
	_, cancelErr := retry.Do(ctx, m.retryCfg, m.logger, "cancel all orders", func(ctx context.Context) (int, error) {
		n, err := m.executor.CancelAllOrders(ctx)
		res.OrdersCancelled += n
		if err != nil && n > 0 {
			return n, retry.Permanent(err)
		}
		return n, err
	})
	if cancelErr != nil {
		errs = append(errs, fmt.Errorf("cancelling orders: %w", cancelErr))
	}

	closed, closeErr := m.executor.CloseAllPositions(ctx)
	res.PositionsClosed = closed
	if closeErr != nil {
		errs = append(errs, fmt.Errorf("closing positions: %w", closeErr))
	}

	for _, err := range errs {
		res.Errors = append(res.Errors, err.Error())
	}
	switch {
	case len(errs) == 0:
		res.Status = StopSuccess
	case len(errs) == 1 || res.OrdersCancelled > 0 || res.PositionsClosed > 0:
		res.Status = StopPartial
	}

	entry := m.logger.WithFields(logrus.Fields{
		"status":           res.Status,
		"orders_cancelled": res.OrdersCancelled,
		"positions_closed": res.PositionsClosed,
	})
	if len(errs) == 0 {
		entry.Info("Emergency stop completed")
		return res, nil
	}
	err := errors.Join(errs...)
	if res.Status == StopPartial {
		entry.WithError(err).Warn("Emergency stop partially completed")
	} else {
		entry.WithError(err).Error("Emergency stop failed")
	}
	return res, err
}
