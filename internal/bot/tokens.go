package bot

import (
	"strconv"
	"strings"

	"github.com/you/tg-converter/internal/media"
)

// Selection tokens carried by inline buttons: "<prefix>:<value>".
const (
	prefixAction = "act"
	prefixFormat = "fmt"
	prefixTier   = "cmp"
	prefixRes    = "res"
	prefixNav    = "nav"

	featureAdvanced = "advanced"
	tierCustom      = "custom"
	navBack         = "back"
)

type tokenKind int

const (
	tokAction tokenKind = iota + 1
	tokFormat
	tokTier
	tokRes
	tokBack
)

type token struct {
	kind  tokenKind
	value string
}

func parseToken(s string) (token, bool) {
	prefix, value, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || value == "" {
		return token{}, false
	}
	value = strings.ToLower(value)
	switch prefix {
	case prefixAction:
		return token{tokAction, value}, true
	case prefixFormat:
		return token{tokFormat, value}, true
	case prefixTier:
		return token{tokTier, value}, true
	case prefixRes:
		return token{tokRes, value}, true
	case prefixNav:
		if value == navBack {
			return token{tokBack, value}, true
		}
	}
	return token{}, false
}

// unavailable reports buttons for features that exist in the menus but do
// not run jobs yet.
func (t token) unavailable() bool {
	switch t.kind {
	case tokAction:
		if t.value == featureAdvanced {
			return true
		}
		a, ok := media.ParseAction(t.value)
		return ok && !a.Implemented()
	case tokTier:
		return t.value == tierCustom
	}
	return false
}

// Token builders for presenters.
func ActionToken(a media.Action) string { return prefixAction + ":" + string(a) }
func AdvancedToken() string             { return prefixAction + ":" + featureAdvanced }
func FormatToken(f string) string       { return prefixFormat + ":" + f }
func TierToken(t media.Tier) string     { return prefixTier + ":" + string(t) }
func CustomTierToken() string           { return prefixTier + ":" + tierCustom }
func ResolutionToken(h int) string      { return prefixRes + ":" + strconv.Itoa(h) + "p" }
func BackToken() string                 { return prefixNav + ":" + navBack }
