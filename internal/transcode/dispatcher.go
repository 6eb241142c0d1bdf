package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/you/tg-converter/internal/apperr"
	"github.com/you/tg-converter/internal/logx"
	"github.com/you/tg-converter/internal/media"
)

// Allocator hands out fresh output paths for one job.
type Allocator interface {
	AllocateOutput(ext string) (string, error)
}

// Output describes a verified engine result.
type Output struct {
	Path    string
	Size    int64
	Request media.Request
	Probe   media.Probe
}

type Dispatcher struct {
	engine Engine
}

func NewDispatcher(e Engine) *Dispatcher { return &Dispatcher{engine: e} }

// Run probes the input, resolves sel into encoder settings, runs the engine
// and verifies the output. onProgress receives a fraction in [0,1] that never
// decreases.
func (d *Dispatcher) Run(ctx context.Context, alloc Allocator, input string, sel media.Selection, onProgress func(float64)) (Output, error) {
	l := logx.FromCtx(ctx)

	probe, err := d.engine.Probe(ctx, input)
	if err != nil {
		return Output{}, asTranscode("probe", err)
	}
	if probe.Size == 0 {
		if st, err := os.Stat(input); err == nil {
			probe.Size = st.Size()
		}
	}
	req, err := media.Resolve(sel, probe)
	if err != nil {
		return Output{}, err
	}
	l.Info().
		Str("container", req.Container).
		Str("vcodec", req.VideoCodec).
		Str("acodec", req.AudioCodec).
		Int64("vbitrate", req.VideoBitrate).
		Int("width", req.Width).
		Int("height", req.Height).
		Dur("duration", probe.Duration).
		Msg("request resolved")

	out, err := alloc.AllocateOutput(req.Container)
	if err != nil {
		return Output{}, err
	}

	mp := &monotonic{total: probe.Duration, fn: onProgress}
	if err := d.engine.Transcode(ctx, input, out, req, mp.report); err != nil {
		return Output{}, asTranscode("transcode", err)
	}
	if err := ctx.Err(); err != nil {
		return Output{}, apperr.Transcode("transcode", err, "")
	}

	st, err := os.Stat(out)
	switch {
	case err != nil:
		return Output{}, apperr.Transcode("verify output", fmt.Errorf("%w: %v", apperr.ErrEmptyOutput, err), "")
	case st.Size() == 0:
		return Output{}, apperr.Transcode("verify output", apperr.ErrEmptyOutput, "")
	}
	if err := d.verify(ctx, out, req); err != nil {
		return Output{}, err
	}
	mp.finish()
	return Output{Path: out, Size: st.Size(), Request: req, Probe: probe}, nil
}

// verify probes the result so a truncated or garbage file never counts as
// success. GIF timing is often missing from the container, so only GIFs may
// report no duration.
func (d *Dispatcher) verify(ctx context.Context, out string, req media.Request) error {
	got, err := d.engine.Probe(ctx, out)
	if err != nil {
		return apperr.Transcode("verify output", err, apperr.DetailOf(err))
	}
	if got.Duration <= 0 && req.Container != "gif" {
		return apperr.Transcode("verify output", errors.New("output has no duration"), "")
	}
	return nil
}

// asTranscode classifies engine failures that are not already typed.
func asTranscode(op string, err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return apperr.Transcode(op, err, "")
}

// monotonic converts encoded positions into a non-decreasing fraction.
type monotonic struct {
	total time.Duration
	fn    func(float64)

	mu   sync.Mutex
	last float64
}

func (m *monotonic) report(done time.Duration) {
	if m.total <= 0 {
		return
	}
	m.emit(float64(done) / float64(m.total))
}

func (m *monotonic) finish() { m.emit(1) }

func (m *monotonic) emit(f float64) {
	if m.fn == nil {
		return
	}
	f = min(max(f, 0), 1)
	m.mu.Lock()
	if f <= m.last {
		m.mu.Unlock()
		return
	}
	m.last = f
	m.mu.Unlock()
	m.fn(f)
}
