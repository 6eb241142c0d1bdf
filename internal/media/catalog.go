// Package media holds the closed set of conversion actions, their parameter
// domains, and the rules that turn a selection into concrete encoder
// settings.
package media

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/you/tg-converter/internal/apperr"
)

type Action string

const (
	ChangeFormat     Action = "format"
	Compress         Action = "compress"
	ChangeResolution Action = "resolution"
	QuickConvert     Action = "quick"
	ExtractAudio     Action = "extract_audio"
	Trim             Action = "trim"
)

// Implemented reports whether the action can run a job.
func (a Action) Implemented() bool {
	switch a {
	case ChangeFormat, Compress, ChangeResolution, QuickConvert:
		return true
	}
	return false
}

func ParseAction(s string) (Action, bool) {
	a := Action(strings.ToLower(strings.TrimSpace(s)))
	switch a {
	case ChangeFormat, Compress, ChangeResolution, QuickConvert, ExtractAudio, Trim:
		return a, true
	}
	return "", false
}

// Formats in menu order.
var Formats = []string{"mp4", "avi", "mov", "mkv", "webm", "gif", "3gp", "wmv"}

type Tier string

const (
	TierUltra      Tier = "ultra"
	TierBalanced   Tier = "balanced"
	TierSpaceSaver Tier = "space-saver"
	TierExtreme    Tier = "extreme"
)

// Tiers in menu order.
var Tiers = []Tier{TierUltra, TierBalanced, TierSpaceSaver, TierExtreme}

// SizeRatio is the output-size target as a fraction of the source size.
func (t Tier) SizeRatio() float64 {
	switch t {
	case TierUltra:
		return 0.9
	case TierBalanced:
		return 0.7
	case TierSpaceSaver:
		return 0.5
	case TierExtreme:
		return 0.3
	}
	return 0
}

// Heights offered by the resolution menu, largest first.
var Heights = []int{2160, 1440, 1080, 720, 480, 360}

// Selection is a validated (action, parameter) pair.
type Selection struct {
	Action    Action `json:"action"`
	Parameter string `json:"parameter,omitempty"`
}

// Validate checks the parameter against the action's closed domain.
func (s Selection) Validate() error {
	if !s.Action.Implemented() {
		return apperr.Validation("selection", fmt.Errorf("%w: %s", apperr.ErrUnavailable, s.Action))
	}
	ok := false
	switch s.Action {
	case ChangeFormat:
		ok = slices.Contains(Formats, s.Parameter)
	case Compress:
		ok = slices.Contains(Tiers, Tier(s.Parameter))
	case ChangeResolution:
		h, err := parseHeight(s.Parameter)
		ok = err == nil && slices.Contains(Heights, h)
	case QuickConvert:
		ok = s.Parameter == ""
	}
	if !ok {
		return apperr.Validation("selection", fmt.Errorf("%w: %q is not a valid %s parameter", apperr.ErrUnexpectedInput, s.Parameter, s.Action))
	}
	return nil
}

// Label is a short human description used in captions and logs.
func (s Selection) Label() string {
	switch s.Action {
	case ChangeFormat:
		return strings.ToUpper(s.Parameter)
	case Compress:
		return fmt.Sprintf("compressed (%s, ~%d%%)", s.Parameter, int(Tier(s.Parameter).SizeRatio()*100))
	case ChangeResolution:
		return s.Parameter
	case QuickConvert:
		return "MP4 (quick)"
	}
	return string(s.Action)
}

// parseHeight accepts "720" and "720p".
func parseHeight(p string) (int, error) {
	return strconv.Atoi(strings.TrimSuffix(strings.ToLower(p), "p"))
}
