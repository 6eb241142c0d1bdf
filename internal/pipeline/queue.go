package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/you/tg-converter/internal/jobs"
)

// QueueRunner hands jobs to worker processes through asynq. Jobs are not
// retried: a failed conversion is reported to the user, who can resend.
type QueueRunner struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	timeout   time.Duration
}

func NewQueueRunner(opt asynq.RedisConnOpt, timeout time.Duration) *QueueRunner {
	return &QueueRunner{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		timeout:   timeout,
	}
}

func (q *QueueRunner) Submit(ctx context.Context, job jobs.ConvertPayload) error {
	task, err := jobs.NewConvertTask(job)
	if err != nil {
		return err
	}
	info, err := q.client.EnqueueContext(ctx, task,
		asynq.TaskID(job.JobID),
		asynq.Queue(jobs.Queue),
		asynq.MaxRetry(0),
		asynq.Timeout(q.timeout),
	)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", job.JobID, err)
	}
	log.Debug().Str("job", info.ID).Str("queue", info.Queue).Msg("job enqueued")
	return nil
}

// Cancel deletes a job that has not started yet, or signals the worker
// running it.
func (q *QueueRunner) Cancel(jobID string) bool {
	info, err := q.inspector.GetTaskInfo(jobs.Queue, jobID)
	if err != nil {
		if !errors.Is(err, asynq.ErrTaskNotFound) {
			log.Warn().Err(err).Str("job", jobID).Msg("task lookup failed")
		}
		return false
	}
	switch info.State {
	case asynq.TaskStatePending, asynq.TaskStateScheduled, asynq.TaskStateRetry:
		err = q.inspector.DeleteTask(jobs.Queue, jobID)
	case asynq.TaskStateActive:
		err = q.inspector.CancelProcessing(jobID)
	default:
		return false
	}
	if err != nil {
		log.Warn().Err(err).Str("job", jobID).Msg("cancel failed")
		return false
	}
	return true
}

// Active lists pending and running conversion tasks.
func (q *QueueRunner) Active(context.Context) ([]JobInfo, error) {
	var out []JobInfo
	active, err := q.inspector.ListActiveTasks(jobs.Queue)
	if err != nil {
		return nil, err
	}
	pending, err := q.inspector.ListPendingTasks(jobs.Queue)
	if err != nil {
		return nil, err
	}
	for state, list := range map[string][]*asynq.TaskInfo{"running": active, "queued": pending} {
		for _, ti := range list {
			if ti.Type != jobs.TaskConvert {
				continue
			}
			job, err := jobs.ParseConvertPayload(asynq.NewTask(ti.Type, ti.Payload))
			if err != nil {
				continue
			}
			out = append(out, infoOf(job, state))
		}
	}
	return out, nil
}

func (q *QueueRunner) Close() error {
	return errors.Join(q.client.Close(), q.inspector.Close())
}

// NewTaskHandler adapts exec to an asynq handler for TaskConvert.
func NewTaskHandler(exec Executor) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		job, err := jobs.ParseConvertPayload(t)
		if err != nil {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		if err := exec.Process(ctx, job); err != nil {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		return nil
	}
}
