package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/you/tg-converter/internal/jobs"
)

var ErrRunnerClosed = errors.New("runner is shut down")

// JobInfo is a snapshot of a queued or running job.
type JobInfo struct {
	JobID     string    `json:"job_id"`
	UserID    int64     `json:"user_id"`
	ChatID    int64     `json:"chat_id"`
	Action    string    `json:"action"`
	Parameter string    `json:"parameter,omitempty"`
	State     string    `json:"state"` // queued | running
	CreatedAt time.Time `json:"created_at"`
}

func infoOf(job jobs.ConvertPayload, state string) JobInfo {
	return JobInfo{
		JobID:     job.JobID,
		UserID:    job.UserID,
		ChatID:    job.ChatID,
		Action:    string(job.Selection.Action),
		Parameter: job.Selection.Parameter,
		State:     state,
		CreatedAt: job.CreatedAt,
	}
}

type localJob struct {
	job     jobs.ConvertPayload
	cancel  context.CancelCauseFunc
	running bool
}

// LocalRunner executes jobs in-process on a bounded pool of goroutines.
type LocalRunner struct {
	exec    Executor
	timeout time.Duration
	sem     chan struct{}

	base context.Context
	stop context.CancelCauseFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	jobs   map[string]*localJob
	closed bool
}

func NewLocalRunner(exec Executor, concurrency int, timeout time.Duration) *LocalRunner {
	if concurrency < 1 {
		concurrency = 1
	}
	base, stop := context.WithCancelCause(context.Background())
	return &LocalRunner{
		exec:    exec,
		timeout: timeout,
		sem:     make(chan struct{}, concurrency),
		base:    base,
		stop:    stop,
		jobs:    make(map[string]*localJob),
	}
}

// Submit schedules job and returns immediately. Jobs beyond the pool size wait
// for a free slot.
func (r *LocalRunner) Submit(_ context.Context, job jobs.ConvertPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrRunnerClosed
	}
	if _, dup := r.jobs[job.JobID]; dup {
		return fmt.Errorf("job %s already submitted", job.JobID)
	}
	ctx, cancel := context.WithCancelCause(r.base)
	lj := &localJob{job: job, cancel: cancel}
	r.jobs[job.JobID] = lj
	r.wg.Add(1)
	go r.run(ctx, lj)
	return nil
}

func (r *LocalRunner) run(ctx context.Context, lj *localJob) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.jobs, lj.job.JobID)
		r.mu.Unlock()
		lj.cancel(nil)
	}()
	defer func() {
		if v := recover(); v != nil {
			log.Error().
				Str("job", lj.job.JobID).
				Str("panic", fmt.Sprint(v)).
				Str("stack", string(debug.Stack())).
				Msg("job panicked")
		}
	}()

	select {
	case r.sem <- struct{}{}:
		defer func() { <-r.sem }()
	case <-ctx.Done():
		// Still processed so the session is reset and the user told.
	}

	r.mu.Lock()
	lj.running = true
	r.mu.Unlock()

	jctx, cancel := context.WithTimeoutCause(ctx, r.timeout, ErrTimeout)
	defer cancel()
	if err := r.exec.Process(jctx, lj.job); err != nil {
		log.Debug().Err(err).Str("job", lj.job.JobID).Msg("job ended with error")
	}
}

// Cancel asks a queued or running job to stop. It reports whether the job
// was known.
func (r *LocalRunner) Cancel(jobID string) bool {
	r.mu.Lock()
	lj, ok := r.jobs[jobID]
	r.mu.Unlock()
	if ok {
		lj.cancel(ErrCancelled)
	}
	return ok
}

// Active lists queued and running jobs ordered by id.
func (r *LocalRunner) Active(context.Context) ([]JobInfo, error) {
	r.mu.Lock()
	out := make([]JobInfo, 0, len(r.jobs))
	for _, lj := range r.jobs {
		state := "queued"
		if lj.running {
			state = "running"
		}
		out = append(out, infoOf(lj.job, state))
	}
	r.mu.Unlock()
	slices.SortFunc(out, func(a, b JobInfo) int { return strings.Compare(a.JobID, b.JobID) })
	return out, nil
}

// Shutdown stops accepting jobs, cancels the ones in flight and waits for
// them to clean up or for ctx to end.
func (r *LocalRunner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.stop(ErrShutdown)

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
