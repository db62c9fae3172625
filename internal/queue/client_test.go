package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/grcgate/internal/audit"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	ids   map[string]bool
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, o := range opts {
		if o.Type() != asynq.TaskIDOpt {
			continue
		}
		id := o.Value().(string)
		if f.ids[id] {
			return nil, asynq.ErrTaskIDConflict
		}
		if f.ids == nil {
			f.ids = map[string]bool{}
		}
		f.ids[id] = true
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "1", Type: task.Type()}, nil
}

func (f *fakeEnqueuer) Close() error { return nil }

func TestEnqueueAuditRetry(t *testing.T) {
	fe := &fakeEnqueuer{}
	c := &Client{client: fe}

	err := c.EnqueueAuditRetry(context.Background(), "tenant_a", audit.Entry{UserID: 7, Action: "UPDATE", Success: true})
	require.NoError(t, err)
	require.Len(t, fe.tasks, 1)
	assert.Equal(t, TypeAuditRetry, fe.tasks[0].Type())

	var p AuditRetryPayload
	require.NoError(t, json.Unmarshal(fe.tasks[0].Payload(), &p))
	assert.Equal(t, "tenant_a", p.SchemaID)
	assert.Equal(t, int64(7), p.Entry.UserID)
	assert.True(t, p.Entry.Success)
}

func TestEnqueueAuditRetrySameEntryOnce(t *testing.T) {
	fe := &fakeEnqueuer{}
	c := &Client{client: fe}
	e := audit.Entry{ID: uuid.New(), UserID: 7, Action: "UPDATE"}

	require.NoError(t, c.EnqueueAuditRetry(context.Background(), "tenant_a", e))
	require.NoError(t, c.EnqueueAuditRetry(context.Background(), "tenant_a", e))
	assert.Len(t, fe.tasks, 1)

	var p AuditRetryPayload
	require.NoError(t, json.Unmarshal(fe.tasks[0].Payload(), &p))
	assert.Equal(t, e.ID, p.Entry.ID)
}

func TestEnqueueAuditRetryError(t *testing.T) {
	c := &Client{client: &fakeEnqueuer{err: errors.New("redis down")}}
	err := c.EnqueueAuditRetry(context.Background(), "tenant_a", audit.Entry{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), TypeAuditRetry)
}
