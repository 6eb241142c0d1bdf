package pipeline

import (
	"sync"
	"time"
)

type Stage string

const (
	StageDownloading Stage = "downloading"
	StageTranscoding Stage = "transcoding"
	StageUploading   Stage = "uploading"
)

func (s Stage) rank() int {
	switch s {
	case StageDownloading:
		return 1
	case StageTranscoding:
		return 2
	case StageUploading:
		return 3
	}
	return 0
}

// Progress is one update shown to the user. Updates for a job are ordered by
// (Stage, Percent) and never go backwards.
type Progress struct {
	Stage   Stage `json:"stage"`
	Percent int   `json:"percent"`
}

// tracker enforces progress ordering and throttles what reaches emit. Stage
// changes and completion of a stage always pass the throttle.
type tracker struct {
	every time.Duration
	now   func() time.Time
	emit  func(Progress)

	mu       sync.Mutex
	cur      Progress
	emitted  Progress
	lastEmit time.Time
}

func newTracker(every time.Duration, now func() time.Time, emit func(Progress)) *tracker {
	return &tracker{every: every, now: now, emit: emit}
}

// Update records fraction f of stage s. It reports false for updates that
// would move progress backwards.
func (t *tracker) Update(s Stage, f float64) bool {
	pct := int(min(max(f, 0), 1) * 100)
	next := Progress{Stage: s, Percent: pct}

	t.mu.Lock()
	if s.rank() == 0 || s.rank() < t.cur.Stage.rank() ||
		(s == t.cur.Stage && pct < t.cur.Percent) {
		t.mu.Unlock()
		return false
	}
	t.cur = next
	now := t.now()
	send := s != t.emitted.Stage ||
		(pct > t.emitted.Percent && (pct == 100 || now.Sub(t.lastEmit) >= t.every))
	if send {
		t.emitted, t.lastEmit = next, now
		// Emitting under the lock keeps deliveries in order.
		if t.emit != nil {
			t.emit(next)
		}
	}
	t.mu.Unlock()
	return true
}

func (t *tracker) Current() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cur
}
