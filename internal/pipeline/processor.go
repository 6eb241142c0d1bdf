// Package pipeline owns the life of a conversion job: staging the source,
// running the engine, delivering the result, and cleaning up whatever
// happened along the way.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/you/tg-converter/internal/apperr"
	"github.com/you/tg-converter/internal/jobs"
	"github.com/you/tg-converter/internal/logx"
	"github.com/you/tg-converter/internal/media"
	"github.com/you/tg-converter/internal/metrics"
	"github.com/you/tg-converter/internal/session"
	"github.com/you/tg-converter/internal/staging"
	"github.com/you/tg-converter/internal/transcode"
)

var tracer = otel.Tracer("tg-converter/pipeline")

var (
	ErrCancelled = errors.New("job cancelled")
	ErrTimeout   = errors.New("job timed out")
	ErrShutdown  = errors.New("service shutting down")
)

// detachedTimeout bounds user notifications sent after the job context ended.
const detachedTimeout = 30 * time.Second

// Result is a verified output ready for delivery.
type Result struct {
	Path         string
	Name         string // file name shown to the user
	MimeType     string
	Size         int64
	OriginalSize int64
	Label        string
	Request      media.Request
}

// Presenter delivers job events to the user.
type Presenter interface {
	Progress(ctx context.Context, job jobs.ConvertPayload, p Progress) error
	Deliver(ctx context.Context, job jobs.ConvertPayload, r Result) error
	Fail(ctx context.Context, job jobs.ConvertPayload, err error) error
}

// Executor runs a single job to completion.
type Executor interface {
	Process(ctx context.Context, job jobs.ConvertPayload) error
}

type Deps struct {
	Area       *staging.Area
	Fetcher    staging.Fetcher
	Dispatcher *transcode.Dispatcher
	Presenter  Presenter
	Sessions   session.Store
	// ProgressEvery throttles progress edits; zero means every change.
	ProgressEvery time.Duration
}

type Processor struct {
	d   Deps
	now func() time.Time
}

func NewProcessor(d Deps) *Processor {
	return &Processor{d: d, now: time.Now}
}

// Process runs job. Staged files are released and the session is returned to
// Idle on every path; failures other than a user cancel are reported through
// the presenter.
func (p *Processor) Process(ctx context.Context, job jobs.ConvertPayload) (err error) {
	ctx = logx.WithJob(logx.WithUser(ctx, job.ChatID, job.UserID), job.JobID)
	l := logx.FromCtx(ctx)
	action := string(job.Selection.Action)

	ctx, span := tracer.Start(ctx, "convert", trace.WithAttributes(
		attribute.String("job.id", job.JobID),
		attribute.String("job.action", action),
		attribute.String("job.parameter", job.Selection.Parameter),
		attribute.Int64("source.size", job.Source.Size),
	))
	defer span.End()

	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()
	start := p.now()

	// Deferred calls run in reverse: files go first, then the session.
	defer p.finishSession(ctx, job)
	ws := p.d.Area.Open(job.JobID)
	defer ws.Release()

	l.Info().
		Str("action", action).
		Str("param", job.Selection.Parameter).
		Int64("size", job.Source.Size).
		Msg("job started")

	err = p.run(ctx, ws, job)
	if err == nil {
		metrics.RecordJob(action, "success")
		l.Info().Dur("took", p.now().Sub(start)).Msg("job done")
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, apperr.KindOf(err).String())
	if cancelled(ctx) {
		// The cancel may come from the admin API, so the chat still hears
		// that the job ended.
		err = fmt.Errorf("%w: %w", ErrCancelled, err)
		metrics.RecordJob(action, "cancelled")
		l.Info().Msg("job cancelled")
	} else {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !apperr.Is(err, apperr.KindTranscode) {
			err = apperr.Transcode("job", fmt.Errorf("%w: %w", ErrTimeout, err), "")
		}
		metrics.RecordJob(action, apperr.KindOf(err).String())
		l.Error().
			Err(err).
			Str("kind", apperr.KindOf(err).String()).
			Str("detail", apperr.DetailOf(err)).
			Dur("took", p.now().Sub(start)).
			Msg("job failed")
	}

	fctx, cancel := detached(ctx)
	defer cancel()
	if ferr := p.d.Presenter.Fail(fctx, job, err); ferr != nil {
		l.Warn().Err(ferr).Msg("failure notice not sent")
	}
	return err
}

func (p *Processor) run(ctx context.Context, ws *staging.Workspace, job jobs.ConvertPayload) error {
	if err := ctx.Err(); err != nil {
		return apperr.Staging("start", err)
	}
	l := logx.FromCtx(ctx)
	tr := newTracker(p.d.ProgressEvery, p.now, func(pr Progress) {
		if err := p.d.Presenter.Progress(ctx, job, pr); err != nil {
			l.Debug().Err(err).Msg("progress update dropped")
		}
	})

	var input string
	err := p.step(ctx, "download", func(ctx context.Context) error {
		tr.Update(StageDownloading, 0)
		var err error
		input, err = ws.Stage(ctx, job.Source, p.d.Fetcher, func(written, total int64) {
			if total > 0 {
				tr.Update(StageDownloading, float64(written)/float64(total))
			}
		})
		return err
	})
	if err != nil {
		return err
	}
	metrics.BytesIn.Add(float64(job.Source.Size))

	var out transcode.Output
	err = p.step(ctx, "transcode", func(ctx context.Context) error {
		tr.Update(StageTranscoding, 0)
		var err error
		out, err = p.d.Dispatcher.Run(ctx, ws, input, job.Selection, func(f float64) {
			tr.Update(StageTranscoding, f)
		})
		return err
	})
	if err != nil {
		return err
	}

	res := Result{
		Path:         out.Path,
		Name:         outputName(job.Source.Name, out.Request.Container),
		MimeType:     out.Request.MimeType,
		Size:         out.Size,
		OriginalSize: out.Probe.Size,
		Label:        job.Selection.Label(),
		Request:      out.Request,
	}
	if res.OriginalSize == 0 {
		res.OriginalSize = job.Source.Size
	}
	return p.step(ctx, "upload", func(ctx context.Context) error {
		tr.Update(StageUploading, 0)
		if err := p.d.Presenter.Deliver(ctx, job, res); err != nil {
			var ae *apperr.Error
			if errors.As(err, &ae) {
				return err
			}
			return apperr.Upload("deliver", err)
		}
		metrics.BytesOut.Add(float64(res.Size))
		return nil
	})
}

// step runs fn in a child span and records its duration.
func (p *Processor) step(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, name)
	defer span.End()
	t0 := p.now()
	err := fn(ctx)
	metrics.StageDuration.WithLabelValues(name).Observe(p.now().Sub(t0).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (p *Processor) finishSession(ctx context.Context, job jobs.ConvertPayload) {
	fctx, cancel := detached(ctx)
	defer cancel()
	reset, err := session.FinishJob(fctx, p.d.Sessions, job.UserID, job.JobID)
	l := logx.FromCtx(ctx)
	switch {
	case err != nil:
		l.Error().Err(err).Msg("session reset failed")
	case !reset:
		l.Debug().Msg("session moved on, left untouched")
	}
}

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), detachedTimeout)
}

// cancelled reports a user cancel. asynq cancels handlers without a cause,
// so a bare context.Canceled counts too.
func cancelled(ctx context.Context) bool {
	if ctx.Err() == nil {
		return false
	}
	cause := context.Cause(ctx)
	return errors.Is(cause, ErrCancelled) ||
		(errors.Is(cause, context.Canceled) && !errors.Is(cause, ErrShutdown))
}

// outputName derives the delivered file name from the source name.
func outputName(src, ext string) string {
	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	if base == "" || base == "." || base == string(filepath.Separator) {
		base = "video"
	}
	if strings.EqualFold(strings.TrimPrefix(filepath.Ext(src), "."), ext) {
		base += "_converted"
	}
	return base + "." + ext
}
