package transcode

import (
	"strconv"

	"github.com/you/tg-converter/internal/media"
)

// buildArgs renders req as an ffmpeg command line. Progress goes to stdout as
// key=value blocks; stderr only carries errors.
func buildArgs(in, out string, req media.Request, preset string, extra []string) []string {
	args := []string{
		"-hide_banner", "-nostdin", "-y",
		"-loglevel", "error",
		"-progress", "pipe:1", "-nostats",
		"-i", in,
		"-map", "0:v:0",
	}
	if req.AudioCodec != "" {
		args = append(args, "-map", "0:a:0?")
	}

	switch {
	case req.Filter != "":
		args = append(args, "-vf", req.Filter)
	case req.Width > 0 || req.Height > 0:
		args = append(args, "-vf", "scale="+dim(req.Width)+":"+dim(req.Height))
	}

	args = append(args, "-c:v", req.VideoCodec)
	switch {
	case req.VideoBitrate > 0:
		br := req.VideoBitrate
		args = append(args,
			"-b:v", strconv.FormatInt(br, 10),
			"-maxrate", strconv.FormatInt(br*3/2, 10),
			"-bufsize", strconv.FormatInt(br*2, 10))
	case req.CRF > 0:
		args = append(args, "-crf", strconv.Itoa(req.CRF))
		if req.VideoCodec == "libvpx-vp9" {
			// Constant quality mode for vp9.
			args = append(args, "-b:v", "0")
		}
	case req.QScale > 0:
		args = append(args, "-q:v", strconv.Itoa(req.QScale))
	}
	if req.VideoCodec == "libx264" && preset != "" {
		args = append(args, "-preset", preset)
	}
	if req.Profile != "" {
		args = append(args, "-profile:v", req.Profile)
	}
	if req.PixFmt != "" {
		args = append(args, "-pix_fmt", req.PixFmt)
	}

	switch req.AudioCodec {
	case "":
		args = append(args, "-an")
	case "copy":
		args = append(args, "-c:a", "copy")
	default:
		args = append(args, "-c:a", req.AudioCodec)
		if req.AudioBitrate > 0 {
			args = append(args, "-b:a", strconv.FormatInt(req.AudioBitrate, 10))
		}
	}
	if req.FastStart {
		args = append(args, "-movflags", "+faststart")
	}

	args = append(args, extra...)
	return append(args, "-f", req.Muxer, out)
}

// dim renders a scale dimension; 0 lets ffmpeg keep the aspect ratio with an
// even size.
func dim(n int) string {
	if n <= 0 {
		return "-2"
	}
	return strconv.Itoa(n)
}
