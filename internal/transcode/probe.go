package transcode

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/you/tg-converter/internal/media"
)

type sideData struct {
	Rotation float64 `json:"rotation"`
}

type ffprobeOutput struct {
	Streams []struct {
		CodecName string `json:"codec_name"`
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		BitRate   string `json:"bit_rate"`
		Tags      struct {
			Rotate string `json:"rotate"`
		} `json:"tags"`
		SideDataList []sideData `json:"side_data_list"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
		Size     string `json:"size"`
		BitRate  string `json:"bit_rate"`
	} `json:"format"`
}

// parseProbe decodes `ffprobe -show_format -show_streams -of json` output.
func parseProbe(raw []byte) (media.Probe, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return media.Probe{}, fmt.Errorf("ffprobe parse: %w", err)
	}

	var p media.Probe
	if d := parseNum(out.Format.Duration); d > 0 {
		p.Duration = time.Duration(d * float64(time.Second))
	}
	p.Size = int64(parseNum(out.Format.Size))
	p.Bitrate = int64(parseNum(out.Format.BitRate))

	video := false
	for _, s := range out.Streams {
		switch {
		case s.CodecType == "video" && !video:
			video = true
			p.VideoCodec = s.CodecName
			p.Width, p.Height = s.Width, s.Height
			if quarterTurn(rotation(s.Tags.Rotate, s.SideDataList)) {
				p.Width, p.Height = p.Height, p.Width
			}
		case s.CodecType == "audio" && p.AudioCodec == "":
			p.AudioCodec = s.CodecName
			p.AudioBitrate = int64(parseNum(s.BitRate))
		}
	}
	if !video {
		return p, errors.New("no video stream")
	}
	return p, nil
}

func rotation(tag string, side []sideData) float64 {
	if r := parseNum(tag); r != 0 {
		return r
	}
	for _, sd := range side {
		if sd.Rotation != 0 {
			return sd.Rotation
		}
	}
	return 0
}

// quarterTurn reports a rotation of ±90 or ±270 degrees, which swaps the
// displayed width and height.
func quarterTurn(deg float64) bool {
	d := int(math.Abs(math.Round(deg))) % 180
	return d == 90
}

func parseNum(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" || s == "N/A" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
