package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/you/tg-converter/internal/apperr"
	"github.com/you/tg-converter/internal/media"
)

type State string

const (
	Idle                State = "idle"
	AwaitingAction      State = "awaiting_action"
	AwaitingFormat      State = "awaiting_format"
	AwaitingCompression State = "awaiting_compression"
	AwaitingResolution  State = "awaiting_resolution"
	Processing          State = "processing"
)

// SourceRef points at an uploaded file inside the messaging front-end's storage.
type SourceRef struct {
	FileID   string `json:"file_id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type,omitempty"`
}

type Session struct {
	UserID    int64        `json:"user_id"`
	ChatID    int64        `json:"chat_id"`
	State     State        `json:"state"`
	Source    *SourceRef   `json:"source,omitempty"`
	Action    media.Action `json:"action,omitempty"`
	Parameter string       `json:"parameter,omitempty"`
	JobID     string       `json:"job_id,omitempty"`
	// MenuMessageID is the message carrying the current inline menu.
	MenuMessageID int       `json:"menu_message_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func newIdle(userID int64) Session {
	return Session{UserID: userID, State: Idle}
}

func (s Session) clone() Session {
	if s.Source != nil {
		src := *s.Source
		s.Source = &src
	}
	return s
}

// Reset returns the session to Idle and drops every reference.
func (s *Session) Reset() {
	*s = newIdle(s.UserID)
}

// SetAction records the chosen action and clears any parameter.
func (s *Session) SetAction(a media.Action) {
	s.Action = a
	s.Parameter = ""
}

// SetParameter records the parameter for the current action.
func (s *Session) SetParameter(p string) error {
	if s.Action == "" {
		return apperr.Validation("set parameter", fmt.Errorf("%w: parameter before action", apperr.ErrUnexpectedInput))
	}
	sel := media.Selection{Action: s.Action, Parameter: p}
	if err := sel.Validate(); err != nil {
		return err
	}
	s.Parameter = p
	return nil
}

func (s Session) Selection() media.Selection {
	return media.Selection{Action: s.Action, Parameter: s.Parameter}
}

// Expired reports whether a waiting session outlived ttl. Idle and
// Processing sessions never expire.
func (s Session) Expired(now time.Time, ttl time.Duration) bool {
	if ttl <= 0 || s.State == Idle || s.State == Processing || s.CreatedAt.IsZero() {
		return false
	}
	return now.Sub(s.CreatedAt) > ttl
}

// Store holds one session per user. Update calls for the same user never
// run concurrently; calls for different users do not block each other.
type Store interface {
	// Get returns the user's session, Idle if none exists.
	Get(ctx context.Context, userID int64) (Session, error)
	// Update applies fn atomically. When fn fails nothing is stored and the
	// previous session is returned with the error.
	Update(ctx context.Context, userID int64, fn func(*Session) error) (Session, error)
	// Clear resets the user's session to Idle.
	Clear(ctx context.Context, userID int64) error
}

// errNoChange lets a mutator abort without storing and without failing.
var errNoChange = errors.New("no change")

// FinishJob resets the session when it still belongs to jobID. A session that
// was cancelled and reused for a newer upload is left alone.
func FinishJob(ctx context.Context, st Store, userID int64, jobID string) (bool, error) {
	_, err := st.Update(ctx, userID, func(s *Session) error {
		if s.JobID != jobID {
			return errNoChange
		}
		s.Reset()
		return nil
	})
	if errors.Is(err, errNoChange) {
		return false, nil
	}
	return err == nil, err
}
