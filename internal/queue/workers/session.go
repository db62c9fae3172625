package workers

import (
	"context"
	"log/slog"

	"github.com/hibiken/asynq"
)

type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// SessionSweepWorker deactivates expired and idle sessions.
type SessionSweepWorker struct {
	store Sweeper
}

func NewSessionSweepWorker(store Sweeper) *SessionSweepWorker {
	return &SessionSweepWorker{store: store}
}

func (w *SessionSweepWorker) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	n, err := w.store.Sweep(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("deactivated stale sessions", "count", n)
	}
	return nil
}
