// Package bot is the conversation state machine. It turns front-end events
// into session transitions, prompts, and background conversion jobs.
package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/you/tg-converter/internal/apperr"
	"github.com/you/tg-converter/internal/jobs"
	"github.com/you/tg-converter/internal/logx"
	"github.com/you/tg-converter/internal/media"
	"github.com/you/tg-converter/internal/metrics"
	"github.com/you/tg-converter/internal/session"
)

// errNoop aborts a session update without storing and without failing.
var errNoop = errors.New("no transition")

// effect is what to present once a transition has been stored.
type effect struct {
	menu   Menu
	notice *Notice
	start  bool
}

func notice(k NoticeKind) *Notice { return &Notice{Kind: k} }

// transitionFn mutates s for tok. Returning errNoop keeps s unchanged.
type transitionFn func(s *session.Session, tok token, eff *effect) error

var transitions = map[session.State]map[tokenKind]transitionFn{
	session.AwaitingAction: {
		tokAction: chooseAction,
	},
	session.AwaitingFormat: {
		tokFormat: chooseParameter,
		tokBack:   backToActions,
	},
	session.AwaitingCompression: {
		tokTier: chooseParameter,
		tokBack: backToActions,
	},
	session.AwaitingResolution: {
		tokRes:  chooseParameter,
		tokBack: backToActions,
	},
}

var actionMenus = map[media.Action]struct {
	state session.State
	menu  Menu
}{
	media.ChangeFormat:     {session.AwaitingFormat, MenuFormat},
	media.Compress:         {session.AwaitingCompression, MenuCompression},
	media.ChangeResolution: {session.AwaitingResolution, MenuResolution},
}

func chooseAction(s *session.Session, tok token, eff *effect) error {
	a, ok := media.ParseAction(tok.value)
	if !ok {
		eff.notice = notice(NoticeUnexpected)
		return errNoop
	}
	if a == media.QuickConvert {
		s.SetAction(a)
		s.State = session.Processing
		eff.start = true
		return nil
	}
	next, ok := actionMenus[a]
	if !ok {
		eff.notice = notice(NoticeUnexpected)
		return errNoop
	}
	s.SetAction(a)
	s.State = next.state
	eff.menu = next.menu
	return nil
}

func chooseParameter(s *session.Session, tok token, eff *effect) error {
	if err := s.SetParameter(tok.value); err != nil {
		eff.notice = notice(NoticeUnexpected)
		return errNoop
	}
	s.State = session.Processing
	eff.start = true
	return nil
}

func backToActions(s *session.Session, _ token, eff *effect) error {
	s.SetAction("")
	s.State = session.AwaitingAction
	eff.menu = MenuAction
	return nil
}

// Controller runs the conversation for every user. Events for one user are
// serialized by the session store; events for different users run
// concurrently.
type Controller struct {
	store   session.Store
	runner  Runner
	out     Presenter
	maxSize int64

	now   func() time.Time
	newID func() string
}

func NewController(store session.Store, runner Runner, out Presenter, maxSize int64) *Controller {
	return &Controller{
		store:   store,
		runner:  runner,
		out:     out,
		maxSize: maxSize,
		now:     time.Now,
		newID:   jobs.NewID,
	}
}

// Handle processes one event. Panics are recovered here so one broken
// update never takes down the loop serving other users.
func (c *Controller) Handle(ctx context.Context, ev Event) (err error) {
	ctx = logx.WithUser(ctx, ev.ChatID, ev.UserID)
	l := logx.FromCtx(ctx)
	defer func() {
		if v := recover(); v != nil {
			metrics.Panics.Inc()
			l.Error().
				Str("panic", fmt.Sprint(v)).
				Str("stack", string(debug.Stack())).
				Str("event", ev.Kind.String()).
				Msg("handler panicked")
			err = apperr.Internal("handle", fmt.Errorf("panic: %v", v))
			c.showError(ctx, ev.ChatID, err)
		}
	}()

	l.Debug().Str("event", ev.Kind.String()).Str("token", ev.Token).Str("command", ev.Command).Msg("event received")
	switch ev.Kind {
	case EventUpload:
		return c.onUpload(ctx, ev)
	case EventSelect:
		return c.onSelect(ctx, ev)
	case EventCommand:
		return c.onCommand(ctx, ev)
	case EventText:
		return c.onText(ctx, ev)
	}
	return apperr.Internal("handle", fmt.Errorf("unknown event kind %d", ev.Kind))
}

func (c *Controller) onUpload(ctx context.Context, ev Event) error {
	if ev.Upload == nil || ev.Upload.FileID == "" {
		return c.reject(ctx, ev, notice(NoticeUnexpected), "empty upload")
	}
	src := *ev.Upload
	if src.Size > c.maxSize {
		logx.FromCtx(ctx).Info().Int64("size", src.Size).Int64("limit", c.maxSize).Msg("upload too large")
		return c.reject(ctx, ev, &Notice{Kind: NoticeTooLarge, Limit: c.maxSize}, "too_large")
	}

	var from session.State
	var busy bool
	s, err := c.store.Update(ctx, ev.UserID, func(s *session.Session) error {
		from = s.State
		if s.State == session.Processing {
			busy = true
			return errNoop
		}
		s.Reset()
		s.ChatID = ev.ChatID
		s.State = session.AwaitingAction
		s.Source = &src
		s.CreatedAt = c.now()
		return nil
	})
	if busy {
		return c.reject(ctx, ev, notice(NoticeBusy), "busy")
	}
	if err != nil {
		return c.fail(ctx, ev, err)
	}
	metrics.RecordTransition(string(from), string(s.State))
	logx.FromCtx(ctx).Info().Str("file", src.Name).Int64("size", src.Size).Msg("upload accepted")

	id, err := c.out.ShowMenu(ctx, ev.ChatID, 0, MenuAction, src)
	if err != nil {
		return c.fail(ctx, ev, err)
	}
	c.rememberMenu(ctx, ev.UserID, src.FileID, id)
	return nil
}

func (c *Controller) rememberMenu(ctx context.Context, userID int64, fileID string, msgID int) {
	_, err := c.store.Update(ctx, userID, func(s *session.Session) error {
		if s.Source == nil || s.Source.FileID != fileID {
			return errNoop
		}
		s.MenuMessageID = msgID
		return nil
	})
	if err != nil && !errors.Is(err, errNoop) {
		logx.FromCtx(ctx).Warn().Err(err).Msg("menu id not stored")
	}
}

func (c *Controller) onSelect(ctx context.Context, ev Event) error {
	tok, ok := parseToken(ev.Token)
	var from session.State
	var eff effect
	s, err := c.store.Update(ctx, ev.UserID, func(s *session.Session) error {
		from = s.State
		eff = effect{}
		switch {
		case !ok:
			eff.notice = notice(NoticeUnexpected)
			return errNoop
		case s.State == session.Idle:
			eff.notice = notice(NoticeNoSession)
			return errNoop
		case s.State == session.Processing:
			eff.notice = notice(NoticeBusy)
			return errNoop
		case tok.unavailable():
			eff.notice = &Notice{Kind: NoticeUnavailable, Feature: tok.value}
			return errNoop
		}
		fn, ok := transitions[s.State][tok.kind]
		if !ok {
			eff.notice = notice(NoticeUnexpected)
			return errNoop
		}
		if err := fn(s, tok, &eff); err != nil {
			return err
		}
		if eff.start {
			s.JobID = c.newID()
		}
		return nil
	})
	if err != nil && !errors.Is(err, errNoop) {
		return c.fail(ctx, ev, err)
	}
	if eff.notice != nil {
		logx.FromCtx(ctx).Info().
			Str("state", string(s.State)).
			Str("token", ev.Token).
			Str("notice", string(eff.notice.Kind)).
			Msg("selection rejected")
		return c.reject(ctx, ev, eff.notice, string(eff.notice.Kind))
	}
	metrics.RecordTransition(string(from), string(s.State))

	msgID := ev.MessageID
	if msgID == 0 {
		msgID = s.MenuMessageID
	}
	if eff.start {
		return c.startJob(ctx, ev, s, msgID)
	}
	if _, err := c.out.ShowMenu(ctx, ev.ChatID, msgID, eff.menu, *s.Source); err != nil {
		return c.fail(ctx, ev, err)
	}
	return nil
}

// startJob submits the job for a session that just entered Processing.
func (c *Controller) startJob(ctx context.Context, ev Event, s session.Session, msgID int) error {
	ctx = logx.WithJob(ctx, s.JobID)
	l := logx.FromCtx(ctx)
	sel := s.Selection()

	progressID, err := c.out.StartProcessing(ctx, ev.ChatID, msgID, sel, *s.Source)
	if err != nil {
		l.Warn().Err(err).Msg("start notice not shown")
	}
	job := jobs.ConvertPayload{
		JobID:             s.JobID,
		ChatID:            ev.ChatID,
		UserID:            ev.UserID,
		Source:            *s.Source,
		Selection:         sel,
		ProgressMessageID: progressID,
		CreatedAt:         c.now(),
	}
	if err := c.runner.Submit(ctx, job); err != nil {
		l.Error().Err(err).Msg("job submit failed")
		if _, ferr := session.FinishJob(ctx, c.store, ev.UserID, s.JobID); ferr != nil {
			l.Error().Err(ferr).Msg("session reset failed")
		}
		c.showError(ctx, ev.ChatID, apperr.Internal("submit", err))
		return err
	}
	l.Info().Str("action", string(sel.Action)).Str("param", sel.Parameter).Msg("job submitted")
	return nil
}

func (c *Controller) onCommand(ctx context.Context, ev Event) error {
	switch ev.Command {
	case "start":
		s, err := c.store.Get(ctx, ev.UserID)
		if err != nil {
			return c.fail(ctx, ev, err)
		}
		// A running job keeps its session; anything else starts over.
		if s.State != session.Idle && s.State != session.Processing {
			if err := c.store.Clear(ctx, ev.UserID); err != nil {
				return c.fail(ctx, ev, err)
			}
			metrics.RecordTransition(string(s.State), string(session.Idle))
		}
		return c.out.Notify(ctx, ev.ChatID, Notice{Kind: NoticeWelcome})
	case "help":
		return c.out.Notify(ctx, ev.ChatID, Notice{Kind: NoticeHelp})
	case "status":
		return c.status(ctx, ev)
	case "cancel":
		return c.cancel(ctx, ev)
	}
	return c.reject(ctx, ev, notice(NoticeUnknownCommand), "unknown_command")
}

func (c *Controller) status(ctx context.Context, ev Event) error {
	s, err := c.store.Get(ctx, ev.UserID)
	if err != nil {
		return c.fail(ctx, ev, err)
	}
	n := Notice{Kind: NoticeStatus, State: s.State}
	active, err := c.runner.Active(ctx)
	if err != nil {
		logx.FromCtx(ctx).Warn().Err(err).Msg("active jobs unavailable")
	}
	n.ActiveJobs = len(active)
	return c.out.Notify(ctx, ev.ChatID, n)
}

// cancel drops the session. A running job is asked to stop but may finish
// on its own; its files are released either way.
func (c *Controller) cancel(ctx context.Context, ev Event) error {
	var prev session.Session
	_, err := c.store.Update(ctx, ev.UserID, func(s *session.Session) error {
		prev = *s
		if s.State == session.Idle {
			return errNoop
		}
		s.Reset()
		return nil
	})
	if err != nil && !errors.Is(err, errNoop) {
		return c.fail(ctx, ev, err)
	}
	if prev.State == session.Idle {
		return c.out.Notify(ctx, ev.ChatID, Notice{Kind: NoticeNothingToCancel})
	}
	metrics.RecordTransition(string(prev.State), string(session.Idle))
	if prev.State == session.Processing && prev.JobID != "" {
		stopped := c.runner.Cancel(prev.JobID)
		logx.FromCtx(ctx).Info().Str("job", prev.JobID).Bool("signalled", stopped).Msg("job cancel requested")
	}
	return c.out.Notify(ctx, ev.ChatID, Notice{Kind: NoticeCancelled})
}

func (c *Controller) onText(ctx context.Context, ev Event) error {
	s, err := c.store.Get(ctx, ev.UserID)
	if err != nil {
		return c.fail(ctx, ev, err)
	}
	return c.out.Notify(ctx, ev.ChatID, Notice{Kind: NoticeTextGuidance, State: s.State})
}

// reject answers an event that causes no transition.
func (c *Controller) reject(ctx context.Context, ev Event, n *Notice, reason string) error {
	metrics.Rejected.WithLabelValues(reason).Inc()
	if err := c.out.Notify(ctx, ev.ChatID, *n); err != nil {
		logx.FromCtx(ctx).Warn().Err(err).Msg("notice not sent")
	}
	return nil
}

// fail logs err and shows the user a generic error.
func (c *Controller) fail(ctx context.Context, ev Event, err error) error {
	logx.FromCtx(ctx).Error().Err(err).Str("event", ev.Kind.String()).Msg("event failed")
	c.showError(ctx, ev.ChatID, err)
	return err
}

func (c *Controller) showError(ctx context.Context, chatID int64, err error) {
	if perr := c.out.ShowError(ctx, chatID, err); perr != nil {
		logx.FromCtx(ctx).Warn().Err(perr).Msg("error message not sent")
	}
}
