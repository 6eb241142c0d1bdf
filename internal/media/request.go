package media

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/you/tg-converter/internal/apperr"
)

// Probe is what the engine reports about a staged source.
type Probe struct {
	Duration     time.Duration `json:"duration"`
	Width        int           `json:"width"`
	Height       int           `json:"height"`
	Size         int64         `json:"size"`
	Bitrate      int64         `json:"bitrate"`
	VideoCodec   string        `json:"video_codec"`
	AudioCodec   string        `json:"audio_codec"`
	AudioBitrate int64         `json:"audio_bitrate"`
}

func (p Probe) HasAudio() bool { return p.AudioCodec != "" }

// Request is the resolved encoder invocation for one job.
type Request struct {
	Container    string `json:"container"` // output file extension
	Muxer        string `json:"muxer"`
	MimeType     string `json:"mime_type"`
	VideoCodec   string `json:"video_codec"`
	AudioCodec   string `json:"audio_codec"` // encoder, "copy", or "" to drop audio
	VideoBitrate int64  `json:"video_bitrate,omitempty"`
	AudioBitrate int64  `json:"audio_bitrate,omitempty"`
	CRF          int    `json:"crf,omitempty"`
	QScale       int    `json:"qscale,omitempty"`
	Width        int    `json:"width,omitempty"` // 0 keeps source size
	Height       int    `json:"height,omitempty"`
	Filter       string `json:"filter,omitempty"`
	Profile      string `json:"profile,omitempty"`
	PixFmt       string `json:"pix_fmt,omitempty"`
	FastStart    bool   `json:"faststart,omitempty"`
}

// Scaled reports whether the request resizes the video.
func (r Request) Scaled() bool { return r.Height > 0 }

// EstimatedSize is the expected output size for bitrate-targeted requests,
// or 0 when the encoder runs in a quality mode.
func (r Request) EstimatedSize(d time.Duration) int64 {
	if r.VideoBitrate <= 0 || d <= 0 {
		return 0
	}
	return int64(float64(r.VideoBitrate+r.AudioBitrate) * d.Seconds() / 8)
}

type container struct {
	ext          string
	muxer        string
	mime         string
	video        string
	audio        string
	audioBitrate int64
	crf          int
	qscale       int
	profile      string
	pixFmt       string
	faststart    bool
	filter       string
	// copyAudio lists source audio codecs the container takes as-is; "*" accepts any.
	copyAudio []string
}

const (
	defaultCRF      = 23
	minAudioBitrate = 32_000
	maxAudioBitrate = 128_000
	minVideoBitrate = 64_000
)

var containers = map[string]container{
	"mp4":  {ext: "mp4", muxer: "mp4", mime: "video/mp4", video: "libx264", audio: "aac", audioBitrate: 128_000, crf: defaultCRF, pixFmt: "yuv420p", faststart: true, copyAudio: []string{"aac", "mp3"}},
	"mov":  {ext: "mov", muxer: "mov", mime: "video/quicktime", video: "libx264", audio: "aac", audioBitrate: 128_000, crf: defaultCRF, pixFmt: "yuv420p", faststart: true, copyAudio: []string{"aac", "alac", "pcm_s16le"}},
	"mkv":  {ext: "mkv", muxer: "matroska", mime: "video/x-matroska", video: "libx264", audio: "aac", audioBitrate: 128_000, crf: defaultCRF, pixFmt: "yuv420p", copyAudio: []string{"*"}},
	"avi":  {ext: "avi", muxer: "avi", mime: "video/x-msvideo", video: "mpeg4", audio: "libmp3lame", audioBitrate: 192_000, qscale: 4, copyAudio: []string{"mp3"}},
	"webm": {ext: "webm", muxer: "webm", mime: "video/webm", video: "libvpx-vp9", audio: "libopus", audioBitrate: 128_000, crf: 32, pixFmt: "yuv420p", copyAudio: []string{"opus", "vorbis"}},
	"gif":  {ext: "gif", muxer: "gif", mime: "image/gif", video: "gif", filter: "fps=12,scale='min(480,iw)':-2:flags=lanczos,split[a][b];[a]palettegen[p];[b][p]paletteuse"},
	"3gp":  {ext: "3gp", muxer: "3gp", mime: "video/3gpp", video: "libx264", audio: "aac", audioBitrate: 96_000, crf: 28, profile: "baseline", pixFmt: "yuv420p", copyAudio: []string{"aac"}},
	"wmv":  {ext: "wmv", muxer: "asf", mime: "video/x-ms-wmv", video: "wmv2", audio: "wmav2", audioBitrate: 192_000, qscale: 4, copyAudio: []string{"wmav2"}},
}

// MimeType returns the MIME type for a container extension.
func MimeType(ext string) string {
	if c, ok := containers[ext]; ok {
		return c.mime
	}
	return "application/octet-stream"
}

// Resolve turns a selection into encoder settings for the probed source.
func Resolve(sel Selection, p Probe) (Request, error) {
	if err := sel.Validate(); err != nil {
		return Request{}, err
	}
	switch sel.Action {
	case ChangeFormat:
		return fromContainer(containers[sel.Parameter], p), nil
	case QuickConvert:
		return fromContainer(containers["mp4"], p), nil
	case ChangeResolution:
		h, _ := parseHeight(sel.Parameter)
		r := fromContainer(containers["mp4"], p)
		r.Width, r.Height = ScaleWidth(p.Width, p.Height, h), h
		return r, nil
	case Compress:
		return compress(Tier(sel.Parameter), p)
	}
	return Request{}, apperr.Internal("resolve", fmt.Errorf("unhandled action %s", sel.Action))
}

func fromContainer(c container, p Probe) Request {
	r := Request{
		Container:  c.ext,
		Muxer:      c.muxer,
		MimeType:   c.mime,
		VideoCodec: c.video,
		CRF:        c.crf,
		QScale:     c.qscale,
		Filter:     c.filter,
		Profile:    c.profile,
		PixFmt:     c.pixFmt,
		FastStart:  c.faststart,
	}
	r.AudioCodec, r.AudioBitrate = audioFor(c, p)
	// 4:2:0 encoders reject odd dimensions.
	if c.pixFmt == "yuv420p" && (p.Width%2 != 0 || p.Height%2 != 0) {
		r.Width, r.Height = even(p.Width), even(p.Height)
	}
	return r
}

func audioFor(c container, p Probe) (string, int64) {
	if !p.HasAudio() || c.audio == "" {
		return "", 0
	}
	if slices.Contains(c.copyAudio, "*") || slices.Contains(c.copyAudio, p.AudioCodec) {
		return "copy", 0
	}
	return c.audio, c.audioBitrate
}

// compress targets ratio*source size by scaling the source's average bitrate,
// so sources of any size shrink by the same proportion.
func compress(t Tier, p Probe) (Request, error) {
	total := sourceBitrate(p)
	if total <= 0 {
		return Request{}, apperr.Transcode("compress", errors.New("source bitrate unknown"), "probe reported neither duration nor bitrate")
	}
	target := int64(float64(total) * t.SizeRatio())

	r := fromContainer(containers["mp4"], p)
	r.CRF = 0
	if p.HasAudio() {
		audio := int64(float64(p.AudioBitrate) * t.SizeRatio())
		if p.AudioBitrate <= 0 {
			audio = maxAudioBitrate
		}
		audio = clamp(audio, minAudioBitrate, maxAudioBitrate)
		// Audio never takes more than a quarter of the budget.
		audio = min(audio, target/4)
		r.AudioCodec, r.AudioBitrate = "aac", audio
	}
	r.VideoBitrate = max(target-r.AudioBitrate, minVideoBitrate)
	return r, nil
}

// sourceBitrate prefers the size/duration average, which is what the output
// size target is measured against.
func sourceBitrate(p Probe) int64 {
	if p.Size > 0 && p.Duration > 0 {
		return int64(float64(p.Size) * 8 / p.Duration.Seconds())
	}
	return p.Bitrate
}

// ScaleWidth returns the width for height h that preserves the source aspect
// ratio, rounded to the nearest even number. Unknown source dimensions yield 0
// and leave the choice to the encoder.
func ScaleWidth(srcW, srcH, h int) int {
	if srcW <= 0 || srcH <= 0 || h <= 0 {
		return 0
	}
	exact := float64(srcW) * float64(h) / float64(srcH)
	w := int(math.Round(exact/2)) * 2
	if w < 2 {
		w = 2
	}
	return w
}

func even(x int) int {
	if x%2 == 0 {
		return x
	}
	return x - 1
}

func clamp(v, lo, hi int64) int64 {
	return max(lo, min(v, hi))
}
