package telegram

import (
	"context"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"

	"github.com/you/tg-converter/internal/bot"
	"github.com/you/tg-converter/internal/session"
)

// uploadOf accepts videos and documents with a video/* mime type.
func uploadOf(m *tgbotapi.Message) (*session.SourceRef, bool) {
	if v := m.Video; v != nil {
		return &session.SourceRef{FileID: v.FileID, Name: v.FileName, Size: int64(v.FileSize), MimeType: v.MimeType}, true
	}
	if d := m.Document; d != nil && strings.HasPrefix(strings.ToLower(d.MimeType), "video/") {
		return &session.SourceRef{FileID: d.FileID, Name: d.FileName, Size: int64(d.FileSize), MimeType: d.MimeType}, true
	}
	return nil, false
}

// ToEvent maps an update to a conversation event. Updates without a sender
// are ignored.
func ToEvent(upd tgbotapi.Update) (bot.Event, bool) {
	if cq := upd.CallbackQuery; cq != nil {
		if cq.From == nil {
			return bot.Event{}, false
		}
		ev := bot.Event{Kind: bot.EventSelect, ChatID: cq.From.ID, UserID: cq.From.ID, Token: cq.Data}
		if cq.Message != nil && cq.Message.Chat != nil {
			ev.ChatID = cq.Message.Chat.ID
			ev.MessageID = cq.Message.MessageID
		}
		return ev, true
	}

	m := upd.Message
	if m == nil || m.From == nil || m.Chat == nil {
		return bot.Event{}, false
	}
	ev := bot.Event{ChatID: m.Chat.ID, UserID: m.From.ID, MessageID: m.MessageID}
	switch {
	case m.IsCommand():
		ev.Kind, ev.Command = bot.EventCommand, strings.ToLower(m.Command())
	default:
		if src, ok := uploadOf(m); ok {
			ev.Kind, ev.Upload = bot.EventUpload, src
			break
		}
		// Anything else, including non-video files, gets text guidance.
		ev.Kind, ev.Text = bot.EventText, m.Text
	}
	return ev, true
}

type Handler interface {
	Handle(ctx context.Context, ev bot.Event) error
}

// senderOf keys an update to the user who sent it; zero for anonymous ones.
func senderOf(upd tgbotapi.Update) int64 {
	switch {
	case upd.CallbackQuery != nil && upd.CallbackQuery.From != nil:
		return upd.CallbackQuery.From.ID
	case upd.Message != nil && upd.Message.From != nil:
		return upd.Message.From.ID
	}
	return 0
}

// lanes runs one worker per key, so updates from the same user are handled
// in arrival order while different keys run concurrently. A lane's
// goroutine exits once its queue drains.
type lanes struct {
	handle func(tgbotapi.Update)

	mu     sync.Mutex
	queued map[int64][]tgbotapi.Update
	wg     sync.WaitGroup
}

func newLanes(handle func(tgbotapi.Update)) *lanes {
	return &lanes{handle: handle, queued: make(map[int64][]tgbotapi.Update)}
}

func (l *lanes) push(key int64, upd tgbotapi.Update) {
	l.mu.Lock()
	q, busy := l.queued[key]
	l.queued[key] = append(q, upd)
	l.mu.Unlock()
	if busy {
		return
	}
	l.wg.Add(1)
	go l.drain(key)
}

func (l *lanes) drain(key int64) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		q := l.queued[key]
		if len(q) == 0 {
			delete(l.queued, key)
			l.mu.Unlock()
			return
		}
		upd := q[0]
		l.queued[key] = q[1:]
		l.mu.Unlock()
		l.handle(upd)
	}
}

func (l *lanes) wait() { l.wg.Wait() }

// Poller long-polls updates. Each user gets an ordered lane so a quick
// upload-then-tap is applied in the order it was sent.
type Poller struct {
	api     *tgbotapi.BotAPI
	h       Handler
	timeout int
}

func NewPoller(api *tgbotapi.BotAPI, h Handler) *Poller {
	return &Poller{api: api, h: h, timeout: 30}
}

// Run blocks until ctx is done, then waits for in-flight handlers.
func (p *Poller) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = p.timeout
	updates := p.api.GetUpdatesChan(u)
	ln := newLanes(func(upd tgbotapi.Update) { p.dispatch(ctx, upd) })
	defer ln.wait()

	for {
		select {
		case <-ctx.Done():
			p.api.StopReceivingUpdates()
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			ln.push(senderOf(upd), upd)
		}
	}
}

func (p *Poller) dispatch(ctx context.Context, upd tgbotapi.Update) {
	if cq := upd.CallbackQuery; cq != nil {
		// Stop the client-side spinner whatever happens next.
		if _, err := p.api.Request(tgbotapi.NewCallback(cq.ID, "")); err != nil {
			log.Debug().Err(err).Msg("callback answer failed")
		}
	}
	ev, ok := ToEvent(upd)
	if !ok {
		return
	}
	log.Info().
		Int64("chat_id", ev.ChatID).
		Int64("user_id", ev.UserID).
		Str("event", ev.Kind.String()).
		Msg("update received")
	if err := p.h.Handle(ctx, ev); err != nil {
		log.Debug().Err(err).Int("update_id", upd.UpdateID).Msg("update handled with error")
	}
}
