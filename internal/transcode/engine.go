// Package transcode runs conversion requests through an external engine
// (ffmpeg by default) and verifies what it produced.
package transcode

import (
	"context"
	"time"

	"github.com/you/tg-converter/internal/media"
)

// ProgressFunc receives how much of the source has been encoded so far.
type ProgressFunc func(done time.Duration)

// Engine is the transcoding backend.
type Engine interface {
	Probe(ctx context.Context, path string) (media.Probe, error)
	// Transcode encodes in into out. out already exists and may be
	// overwritten.
	Transcode(ctx context.Context, in, out string, req media.Request, progress ProgressFunc) error
}
