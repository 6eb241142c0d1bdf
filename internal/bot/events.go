package bot

import (
	"context"

	"github.com/you/tg-converter/internal/jobs"
	"github.com/you/tg-converter/internal/media"
	"github.com/you/tg-converter/internal/pipeline"
	"github.com/you/tg-converter/internal/session"
)

type EventKind int

const (
	EventUpload EventKind = iota + 1
	EventSelect
	EventCommand
	EventText
)

func (k EventKind) String() string {
	switch k {
	case EventUpload:
		return "upload"
	case EventSelect:
		return "select"
	case EventCommand:
		return "command"
	case EventText:
		return "text"
	}
	return "unknown"
}

// Event is one inbound interaction, independent of the messaging front-end.
type Event struct {
	Kind   EventKind
	ChatID int64
	UserID int64
	// MessageID is the message that carried the tapped button.
	MessageID int

	Upload  *session.SourceRef // EventUpload
	Token   string             // EventSelect
	Command string             // EventCommand, without the slash
	Text    string             // EventText
}

type Menu string

const (
	MenuAction      Menu = "action"
	MenuFormat      Menu = "format"
	MenuCompression Menu = "compression"
	MenuResolution  Menu = "resolution"
)

type NoticeKind string

const (
	NoticeWelcome         NoticeKind = "welcome"
	NoticeHelp            NoticeKind = "help"
	NoticeStatus          NoticeKind = "status"
	NoticeCancelled       NoticeKind = "cancelled"
	NoticeNothingToCancel NoticeKind = "nothing_to_cancel"
	NoticeTooLarge        NoticeKind = "too_large"
	NoticeUnavailable     NoticeKind = "unavailable"
	NoticeUnexpected      NoticeKind = "unexpected"
	NoticeBusy            NoticeKind = "busy"
	NoticeNoSession       NoticeKind = "no_session"
	NoticeTextGuidance    NoticeKind = "text_guidance"
	NoticeUnknownCommand  NoticeKind = "unknown_command"
)

// Notice is static content shown to the user.
type Notice struct {
	Kind       NoticeKind
	Limit      int64         // NoticeTooLarge
	Feature    string        // NoticeUnavailable
	ActiveJobs int           // NoticeStatus
	State      session.State // NoticeStatus, NoticeTextGuidance
}

// Presenter renders conversation output.
type Presenter interface {
	// ShowMenu edits messageID into the menu, or sends a new message when
	// messageID is 0. It returns the id of the message showing the menu.
	ShowMenu(ctx context.Context, chatID int64, messageID int, m Menu, src session.SourceRef) (int, error)
	Notify(ctx context.Context, chatID int64, n Notice) error
	// StartProcessing replaces the menu with a starting notice and returns
	// the message that will carry progress.
	StartProcessing(ctx context.Context, chatID int64, messageID int, sel media.Selection, src session.SourceRef) (int, error)
	ShowError(ctx context.Context, chatID int64, err error) error
}

// Runner executes conversion jobs in the background.
type Runner interface {
	Submit(ctx context.Context, job jobs.ConvertPayload) error
	Cancel(jobID string) bool
	Active(ctx context.Context) ([]pipeline.JobInfo, error)
}
