package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/you/tg-converter/internal/apperr"
	"github.com/you/tg-converter/internal/config"
	"github.com/you/tg-converter/internal/jobs"
	"github.com/you/tg-converter/internal/logx"
	"github.com/you/tg-converter/internal/media"
	"github.com/you/tg-converter/internal/transcode"
)

// outDir keeps results next to the caller instead of in the staging area.
type outDir struct {
	dir  string
	base string
}

func (o outDir) AllocateOutput(ext string) (string, error) {
	if err := os.MkdirAll(o.dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(o.dir, fmt.Sprintf("%s_%s.%s", o.base, strings.ToLower(jobs.NewID()), ext)), nil
}

func main() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: go run ./cmd/localtest <input> <format|compress|resolution|quick> [parameter]")
		return
	}
	lc := logx.FromEnv("localtest")
	lc.Format = "console"
	logx.Setup(lc)

	in := os.Args[1]
	sel := media.Selection{Action: media.Action(os.Args[2])}
	if len(os.Args) > 3 {
		sel.Parameter = os.Args[3]
	}
	if err := sel.Validate(); err != nil {
		log.Fatal().Err(err).Msg("bad selection")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	engine, err := transcode.NewFFmpeg(cfg.FFmpegBin, cfg.FFprobeBin, cfg.FFmpegPreset, cfg.FFmpegExtraArgs)
	if err != nil {
		log.Fatal().Err(err).Msg("ffmpeg unavailable")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.JobTimeout)
	defer cancel()

	base := strings.TrimSuffix(filepath.Base(in), filepath.Ext(in))
	last := -10
	out, err := transcode.NewDispatcher(engine).Run(ctx, outDir{dir: "./out", base: base}, in, sel, func(f float64) {
		if pct := int(f * 100); pct/10 != last/10 {
			last = pct
			fmt.Printf("\r%3d%%", pct)
		}
	})
	fmt.Println()
	if err != nil {
		log.Fatal().Err(err).Str("detail", apperr.DetailOf(err)).Msg("conversion failed")
	}
	fmt.Printf("Generated: %s\n%s -> %s (%s, %s)\n", out.Path,
		humanize.IBytes(uint64(out.Probe.Size)), humanize.IBytes(uint64(out.Size)),
		out.Request.VideoCodec, sel.Label())
}
