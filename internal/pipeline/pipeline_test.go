package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/tg-converter/internal/apperr"
	"github.com/you/tg-converter/internal/jobs"
	"github.com/you/tg-converter/internal/media"
	"github.com/you/tg-converter/internal/session"
	"github.com/you/tg-converter/internal/staging"
	"github.com/you/tg-converter/internal/transcode"
)

type memFetcher struct {
	data []byte
	err  error
}

func (f memFetcher) Open(context.Context, string) (io.ReadCloser, error) {
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(bytes.NewReader(f.data)), nil
}

type stubEngine struct {
	probe media.Probe
	out   []byte
	err   error
	// block waits for ctx to end before failing.
	block bool
}

func (e *stubEngine) Probe(context.Context, string) (media.Probe, error) { return e.probe, nil }

func (e *stubEngine) Transcode(ctx context.Context, _, out string, _ media.Request, progress transcode.ProgressFunc) error {
	if e.block {
		<-ctx.Done()
		return apperr.Transcode("ffmpeg", ctx.Err(), "signal: killed")
	}
	for _, s := range []time.Duration{time.Second, 3 * time.Second, 5 * time.Second} {
		progress(s)
	}
	if e.err != nil {
		return e.err
	}
	return os.WriteFile(out, e.out, 0o644)
}

type recPresenter struct {
	mu         sync.Mutex
	progress   []Progress
	delivered  []Result
	failed     []error
	deliverErr error
	// existed records whether the output was on disk at delivery time.
	existed bool
}

func (p *recPresenter) Progress(_ context.Context, _ jobs.ConvertPayload, pr Progress) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress = append(p.progress, pr)
	return nil
}

func (p *recPresenter) Deliver(_ context.Context, _ jobs.ConvertPayload, r Result) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := os.Stat(r.Path)
	p.existed = err == nil
	if p.deliverErr != nil {
		return p.deliverErr
	}
	p.delivered = append(p.delivered, r)
	return nil
}

func (p *recPresenter) Fail(_ context.Context, _ jobs.ConvertPayload, err error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = append(p.failed, err)
	return nil
}

func (p *recPresenter) failures() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.failed...)
}

type harness struct {
	area      *staging.Area
	sessions  *session.MemoryStore
	presenter *recPresenter
	engine    *stubEngine
	proc      *Processor
	job       jobs.ConvertPayload
}

var fiveSec = media.Probe{Duration: 5 * time.Second, Width: 1920, Height: 1080, Size: 1000, VideoCodec: "h264", AudioCodec: "aac", AudioBitrate: 128_000}

func newHarness(t *testing.T, fetch memFetcher) *harness {
	t.Helper()
	area, err := staging.NewArea(t.TempDir(), 1<<20, 0, staging.WithFreeSpace(func(string) (uint64, error) { return 1 << 40, nil }))
	require.NoError(t, err)
	h := &harness{
		area:      area,
		sessions:  session.NewMemoryStore(time.Hour),
		presenter: &recPresenter{},
		engine:    &stubEngine{probe: fiveSec, out: []byte("converted")},
	}
	h.proc = NewProcessor(Deps{
		Area:       area,
		Fetcher:    fetch,
		Dispatcher: transcode.NewDispatcher(h.engine),
		Presenter:  h.presenter,
		Sessions:   h.sessions,
	})
	h.job = jobs.ConvertPayload{
		JobID:     jobs.NewID(),
		ChatID:    10,
		UserID:    20,
		Source:    session.SourceRef{FileID: "file", Name: "clip.mp4", Size: int64(len(fetch.data))},
		Selection: media.Selection{Action: media.ChangeFormat, Parameter: "mkv"},
	}
	_, err = h.sessions.Update(context.Background(), h.job.UserID, func(s *session.Session) error {
		s.State = session.Processing
		s.JobID = h.job.JobID
		s.Source = &h.job.Source
		s.SetAction(h.job.Selection.Action)
		return s.SetParameter(h.job.Selection.Parameter)
	})
	require.NoError(t, err)
	return h
}

func (h *harness) assertCleanedUp(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.area.Root())
	require.NoError(t, err)
	assert.Empty(t, entries, "staging area must be empty after the job")

	s, err := h.sessions.Get(context.Background(), h.job.UserID)
	require.NoError(t, err)
	assert.Equal(t, session.Idle, s.State)
	assert.Nil(t, s.Source)
	assert.Empty(t, s.Action)
	assert.Empty(t, s.Parameter)
	assert.Empty(t, s.JobID)
}

func TestProcessSuccess(t *testing.T) {
	h := newHarness(t, memFetcher{data: []byte("source bytes")})
	require.NoError(t, h.proc.Process(context.Background(), h.job))

	require.Len(t, h.presenter.delivered, 1)
	r := h.presenter.delivered[0]
	assert.True(t, h.presenter.existed)
	assert.Equal(t, "clip.mkv", r.Name)
	assert.Equal(t, "video/x-matroska", r.MimeType)
	assert.Equal(t, int64(len("converted")), r.Size)
	assert.Equal(t, int64(1000), r.OriginalSize)
	assert.Empty(t, h.presenter.failed)

	var last Progress
	for _, pr := range h.presenter.progress {
		if pr.Stage == last.Stage {
			assert.GreaterOrEqual(t, pr.Percent, last.Percent)
		} else {
			assert.Greater(t, pr.Stage.rank(), last.Stage.rank())
		}
		last = pr
	}
	assert.Equal(t, StageUploading, last.Stage)
	h.assertCleanedUp(t)
}

func TestProcessEngineFailure(t *testing.T) {
	h := newHarness(t, memFetcher{data: []byte("source bytes")})
	h.engine.err = apperr.Transcode("ffmpeg", errors.New("exit status 1"), "moov atom not found")

	err := h.proc.Process(context.Background(), h.job)
	require.Error(t, err)
	assert.Empty(t, h.presenter.delivered)
	require.Len(t, h.presenter.failed, 1)
	assert.Equal(t, apperr.KindTranscode, apperr.KindOf(h.presenter.failed[0]))
	h.assertCleanedUp(t)
}

func TestProcessUploadFailure(t *testing.T) {
	h := newHarness(t, memFetcher{data: []byte("source bytes")})
	h.presenter.deliverErr = errors.New("Request Entity Too Large")

	err := h.proc.Process(context.Background(), h.job)
	require.Error(t, err)
	assert.True(t, h.presenter.existed)
	require.Len(t, h.presenter.failed, 1)
	assert.Equal(t, apperr.KindUpload, apperr.KindOf(h.presenter.failed[0]))
	h.assertCleanedUp(t)
}

func TestProcessStagingFailure(t *testing.T) {
	h := newHarness(t, memFetcher{err: errors.New("file is too big")})
	err := h.proc.Process(context.Background(), h.job)
	require.Error(t, err)
	require.Len(t, h.presenter.failed, 1)
	assert.Equal(t, apperr.KindStaging, apperr.KindOf(h.presenter.failed[0]))
	h.assertCleanedUp(t)
}

func TestProcessLeavesNewerSessionAlone(t *testing.T) {
	h := newHarness(t, memFetcher{data: []byte("source bytes")})
	_, err := h.sessions.Update(context.Background(), h.job.UserID, func(s *session.Session) error {
		s.Reset()
		s.State = session.AwaitingAction
		s.Source = &session.SourceRef{FileID: "newer"}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, h.proc.Process(context.Background(), h.job))
	s, _ := h.sessions.Get(context.Background(), h.job.UserID)
	assert.Equal(t, session.AwaitingAction, s.State)
	assert.Equal(t, "newer", s.Source.FileID)
}

func TestLocalRunnerTimeout(t *testing.T) {
	h := newHarness(t, memFetcher{data: []byte("source bytes")})
	h.engine.block = true
	r := NewLocalRunner(h.proc, 1, 50*time.Millisecond)
	require.NoError(t, r.Submit(context.Background(), h.job))
	require.Eventually(t, func() bool {
		active, _ := r.Active(context.Background())
		return len(active) == 0
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, r.Shutdown(waitCtx(t)))

	fails := h.presenter.failures()
	require.Len(t, fails, 1)
	assert.Equal(t, apperr.KindTranscode, apperr.KindOf(fails[0]))
	h.assertCleanedUp(t)
}

func TestLocalRunnerCancel(t *testing.T) {
	h := newHarness(t, memFetcher{data: []byte("source bytes")})
	h.engine.block = true
	r := NewLocalRunner(h.proc, 1, time.Hour)
	require.NoError(t, r.Submit(context.Background(), h.job))

	require.Eventually(t, func() bool {
		active, _ := r.Active(context.Background())
		return len(active) == 1 && active[0].State == "running"
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, r.Cancel(h.job.JobID))

	require.Eventually(t, func() bool {
		active, _ := r.Active(context.Background())
		return len(active) == 0
	}, 2*time.Second, 5*time.Millisecond)
	fails := h.presenter.failures()
	require.Len(t, fails, 1, "the chat hears about a cancel even when no controller sent it")
	assert.ErrorIs(t, fails[0], ErrCancelled)
	h.presenter.mu.Lock()
	assert.Empty(t, h.presenter.delivered)
	h.presenter.mu.Unlock()
	assert.False(t, r.Cancel(h.job.JobID))
	h.assertCleanedUp(t)
	require.NoError(t, r.Shutdown(waitCtx(t)))
}

func TestProcessReportsQueueCancel(t *testing.T) {
	h := newHarness(t, memFetcher{data: []byte("source bytes")})
	h.engine.block = true
	// asynq cancels a handler's context without a cause.
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := h.proc.Process(ctx, h.job)
	assert.ErrorIs(t, err, ErrCancelled)
	fails := h.presenter.failures()
	require.Len(t, fails, 1)
	assert.ErrorIs(t, fails[0], ErrCancelled)
	h.assertCleanedUp(t)
}

func TestLocalRunnerRejectsAfterShutdown(t *testing.T) {
	h := newHarness(t, memFetcher{data: []byte("x")})
	r := NewLocalRunner(h.proc, 1, time.Hour)
	require.NoError(t, r.Shutdown(waitCtx(t)))
	assert.ErrorIs(t, r.Submit(context.Background(), h.job), ErrRunnerClosed)
}

type countingExec struct {
	mu      sync.Mutex
	running int
	peak    int
}

func (c *countingExec) Process(ctx context.Context, _ jobs.ConvertPayload) error {
	c.mu.Lock()
	c.running++
	c.peak = max(c.peak, c.running)
	c.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	c.mu.Lock()
	c.running--
	c.mu.Unlock()
	return nil
}

func TestLocalRunnerBoundsConcurrency(t *testing.T) {
	ex := &countingExec{}
	r := NewLocalRunner(ex, 2, time.Minute)
	for i := 0; i < 6; i++ {
		require.NoError(t, r.Submit(context.Background(), jobs.ConvertPayload{JobID: jobs.NewID()}))
	}
	require.Eventually(t, func() bool {
		active, _ := r.Active(context.Background())
		return len(active) == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, ex.peak, 2)
	require.NoError(t, r.Shutdown(waitCtx(t)))
}

func TestTaskHandler(t *testing.T) {
	ex := &countingExec{}
	h := NewTaskHandler(ex)

	task, err := jobs.NewConvertTask(jobs.ConvertPayload{JobID: "j", Source: session.SourceRef{FileID: "f"}})
	require.NoError(t, err)
	assert.NoError(t, h.ProcessTask(context.Background(), task))

	err = h.ProcessTask(context.Background(), asynq.NewTask(jobs.TaskConvert, []byte("{}")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestTrackerOrdering(t *testing.T) {
	now := time.Unix(0, 0)
	var got []Progress
	tr := newTracker(time.Second, func() time.Time { return now }, func(p Progress) { got = append(got, p) })

	assert.True(t, tr.Update(StageDownloading, 0))
	assert.True(t, tr.Update(StageDownloading, 0.5)) // throttled
	now = now.Add(2 * time.Second)
	assert.True(t, tr.Update(StageDownloading, 0.6))
	assert.False(t, tr.Update(StageDownloading, 0.4))
	assert.True(t, tr.Update(StageDownloading, 1))
	assert.True(t, tr.Update(StageTranscoding, 0))
	assert.False(t, tr.Update(StageDownloading, 1))
	assert.True(t, tr.Update(StageTranscoding, 2)) // clamped
	assert.True(t, tr.Update(StageUploading, 0))
	assert.False(t, tr.Update(Stage("bogus"), 0))

	assert.Equal(t, []Progress{
		{StageDownloading, 0},
		{StageDownloading, 60},
		{StageDownloading, 100},
		{StageTranscoding, 0},
		{StageTranscoding, 100},
		{StageUploading, 0},
	}, got)
	assert.Equal(t, Progress{StageUploading, 0}, tr.Current())
}

func TestOutputName(t *testing.T) {
	assert.Equal(t, "clip.mkv", outputName("clip.mp4", "mkv"))
	assert.Equal(t, "clip_converted.mp4", outputName("clip.MP4", "mp4"))
	assert.Equal(t, "video.gif", outputName("", "gif"))
}

func waitCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
