package transcode

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/google/shlex"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/you/tg-converter/internal/apperr"
	"github.com/you/tg-converter/internal/logx"
	"github.com/you/tg-converter/internal/media"
)

const diagnosticLines = 20

// FFmpeg drives the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	bin      string
	probeBin string
	preset   string
	extra    []string
}

// NewFFmpeg checks that both binaries resolve and splits extraArgs the way a
// shell would.
func NewFFmpeg(bin, probeBin, preset, extraArgs string) (*FFmpeg, error) {
	for _, b := range []string{bin, probeBin} {
		if _, err := exec.LookPath(b); err != nil {
			return nil, fmt.Errorf("%s not found: %w", b, err)
		}
	}
	extra, err := shlex.Split(extraArgs)
	if err != nil {
		return nil, fmt.Errorf("FFMPEG_EXTRA_ARGS: %w", err)
	}
	return &FFmpeg{bin: bin, probeBin: probeBin, preset: preset, extra: extra}, nil
}

func (f *FFmpeg) Probe(ctx context.Context, path string) (media.Probe, error) {
	cmd := exec.CommandContext(ctx, f.probeBin,
		"-v", "error", "-hide_banner",
		"-show_format", "-show_streams",
		"-of", "json", "--", path)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return media.Probe{}, apperr.Transcode("ffprobe", err, strings.TrimSpace(stderr.String()))
	}
	p, err := parseProbe(out)
	if err != nil {
		return p, apperr.Transcode("ffprobe", err, "")
	}
	return p, nil
}

func (f *FFmpeg) Transcode(ctx context.Context, in, out string, req media.Request, progress ProgressFunc) error {
	args := buildArgs(in, out, req, f.preset, f.extra)
	cmd := exec.CommandContext(ctx, f.bin, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return apperr.Internal("ffmpeg stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return apperr.Internal("ffmpeg stderr", err)
	}

	l := logx.FromCtx(ctx)
	l.Debug().Strs("args", args).Msg("ffmpeg start")
	lw := logx.NewLineWriter(log.Logger, map[string]string{"src": "ffmpeg"}, zerolog.DebugLevel, diagnosticLines)

	if err := cmd.Start(); err != nil {
		return apperr.Transcode("ffmpeg start", err, "")
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); lw.Pipe(stderr) }()
	go func() { defer wg.Done(); readProgress(stdout, progress) }()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.Join(ctxErr, err)
		}
		return apperr.Transcode("ffmpeg", err, lw.Tail())
	}
	l.Debug().Str("out", out).Msg("ffmpeg done")
	return nil
}
