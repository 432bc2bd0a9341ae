package app

import (
	"context"
	"time"

	"audiotasks/internal/eventbus"
	"audiotasks/internal/storage"
	"audiotasks/internal/task/engine"
	logx "audiotasks/pkg/logx"
)

// persistOutcomes appends every finished or failed task to the store until
// ctx is done. Events dropped by the bus are not recovered.
func (a *App) persistOutcomes(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Type != eventbus.TypeTaskFinished && e.Type != eventbus.TypeTaskFailed {
				continue
			}
			te, ok := e.Data.(engine.TaskEvent)
			if !ok {
				continue
			}
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := a.store.AppendOutcome(wctx, outcomeFromEvent(e.Time, te))
			cancel()
			if err != nil && ctx.Err() == nil {
				a.log.Warn("outcome persist failed", logx.String("task", te.Name), logx.Err(err))
			}
		}
	}
}

func outcomeFromEvent(at time.Time, te engine.TaskEvent) storage.Outcome {
	return storage.Outcome{
		At:         at,
		TaskID:     te.ID,
		Name:       te.Name,
		Priority:   te.Priority.String(),
		Attempts:   te.Attempts,
		QueueDelay: te.QueueDelay.Milliseconds(),
		Took:       te.Duration.Milliseconds(),
		Error:      te.Error,
	}
}
