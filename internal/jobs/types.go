package jobs

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/oklog/ulid/v2"

	"github.com/you/tg-converter/internal/media"
	"github.com/you/tg-converter/internal/session"
)

const (
	TaskConvert = "convert:run"
	Queue       = "default"
)

// ConvertPayload describes one conversion job from upload to delivery.
type ConvertPayload struct {
	JobID     string            `json:"job_id"` // ULID, also the asynq task id
	ChatID    int64             `json:"chat_id"`
	UserID    int64             `json:"user_id"`
	Source    session.SourceRef `json:"source"`
	Selection media.Selection   `json:"selection"`
	// ProgressMessageID is the message edited with progress; 0 means none yet.
	ProgressMessageID int       `json:"progress_message_id,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

func NewConvertTask(p ConvertPayload) (*asynq.Task, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskConvert, b), nil
}

func ParseConvertPayload(t *asynq.Task) (ConvertPayload, error) {
	var p ConvertPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("%s payload: %w", t.Type(), err)
	}
	if p.JobID == "" || p.Source.FileID == "" {
		return p, fmt.Errorf("%s payload: missing job id or source", t.Type())
	}
	return p, nil
}

var (
	idMu      sync.Mutex
	idEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewID returns a fresh, time-ordered job id.
func NewID() string {
	idMu.Lock()
	defer idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), idEntropy).String()
}
