package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/grcgate/internal/audit"
	"github.com/nikhilbhutani/grcgate/internal/queue"
	"github.com/nikhilbhutani/grcgate/internal/tenant"
)

type HandleResolver interface {
	Resolve(ctx context.Context, schemaID string) (*tenant.Handle, error)
}

// AuditRetryWorker re-attempts audit writes that failed inline.
type AuditRetryWorker struct {
	resolver HandleResolver
}

func NewAuditRetryWorker(resolver HandleResolver) *AuditRetryWorker {
	return &AuditRetryWorker{resolver: resolver}
}

func (w *AuditRetryWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload queue.AuditRetryPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}

	h, err := w.resolver.Resolve(ctx, payload.SchemaID)
	if errors.Is(err, tenant.ErrNotFound) {
		slog.Error("dropping audit retry for unknown tenant", "schema_id", payload.SchemaID, "action", payload.Entry.Action)
		return fmt.Errorf("tenant %s: %w", payload.SchemaID, asynq.SkipRetry)
	}
	if err != nil {
		return fmt.Errorf("resolve tenant: %w", err)
	}

	if err := audit.Write(ctx, h, payload.Entry); err != nil {
		return err
	}

	slog.Info("audit record recovered",
		"schema_id", payload.SchemaID,
		"user_id", payload.Entry.UserID,
		"action", payload.Entry.Action,
	)
	return nil
}
