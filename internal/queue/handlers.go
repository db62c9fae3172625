package queue

import (
	"github.com/hibiken/asynq"
)

type HandlersRegistry struct {
	mux *asynq.ServeMux
}

func NewHandlersRegistry() *HandlersRegistry {
	return &HandlersRegistry{
		mux: asynq.NewServeMux(),
	}
}

func (r *HandlersRegistry) Register(taskType string, handler asynq.Handler) {
	r.mux.Handle(taskType, handler)
}

func (r *HandlersRegistry) Mux() *asynq.ServeMux {
	return r.mux
}

// NewSweepScheduler registers the periodic session sweep. The caller runs it.
func NewSweepScheduler(opt asynq.RedisClientOpt, every string) (*asynq.Scheduler, error) {
	s := asynq.NewScheduler(opt, nil)
	if _, err := s.Register(every, asynq.NewTask(TypeSessionSweep, nil)); err != nil {
		return nil, err
	}
	return s, nil
}
