// Package telegram adapts the Bot API to the conversation and the job
// pipeline: updates become bot events, and menus, progress and results
// become messages.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/you/tg-converter/internal/apperr"
	"github.com/you/tg-converter/internal/bot"
	"github.com/you/tg-converter/internal/jobs"
	"github.com/you/tg-converter/internal/logx"
	"github.com/you/tg-converter/internal/media"
	"github.com/you/tg-converter/internal/pipeline"
	"github.com/you/tg-converter/internal/session"
)

// API is the part of *tgbotapi.BotAPI the presenter uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Publisher hosts results that are too large to send as a document.
type Publisher interface {
	Publish(ctx context.Context, jobID, path, name, contentType string) (string, error)
	TTL() time.Duration
}

var (
	_ API                = (*tgbotapi.BotAPI)(nil)
	_ bot.Presenter      = (*Presenter)(nil)
	_ pipeline.Presenter = (*Presenter)(nil)
)

type Options struct {
	// MaxFileSize is the accepted upload size, shown in the welcome text.
	MaxFileSize int64
	// UploadLimit is the largest document the bot may send.
	UploadLimit int64
	// Links is optional; without it oversized results fail delivery.
	Links Publisher
}

// Presenter renders conversation and job output as Telegram messages. It
// holds no per-user state.
type Presenter struct {
	api  API
	opts Options
}

func NewPresenter(api API, opts Options) *Presenter {
	return &Presenter{api: api, opts: opts}
}

// notModified reports the Bot API refusing an edit that changes nothing.
func notModified(err error) bool {
	return err != nil && strings.Contains(err.Error(), "message is not modified")
}

func (p *Presenter) send(chatID int64, text string, markup *tgbotapi.InlineKeyboardMarkup) (int, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	if markup != nil {
		msg.ReplyMarkup = *markup
	}
	sent, err := p.api.Send(msg)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

// edit rewrites messageID, falling back to a new message when the edit is
// rejected for any reason other than identical content.
func (p *Presenter) edit(ctx context.Context, chatID int64, messageID int, text string, markup *tgbotapi.InlineKeyboardMarkup) (int, error) {
	if messageID == 0 {
		return p.send(chatID, text, markup)
	}
	var c tgbotapi.Chattable
	if markup != nil {
		c = tgbotapi.NewEditMessageTextAndMarkup(chatID, messageID, text, *markup)
	} else {
		c = tgbotapi.NewEditMessageText(chatID, messageID, text)
	}
	_, err := p.api.Send(c)
	switch {
	case err == nil, notModified(err):
		return messageID, nil
	}
	logx.FromCtx(ctx).Debug().Err(err).Int("message_id", messageID).Msg("edit failed, sending new message")
	return p.send(chatID, text, markup)
}

func (p *Presenter) remove(ctx context.Context, chatID int64, messageID int) {
	if messageID == 0 {
		return
	}
	if _, err := p.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		logx.FromCtx(ctx).Debug().Err(err).Int("message_id", messageID).Msg("delete failed")
	}
}

func (p *Presenter) ShowMenu(ctx context.Context, chatID int64, messageID int, m bot.Menu, src session.SourceRef) (int, error) {
	kb := menuKeyboard(m)
	return p.edit(ctx, chatID, messageID, menuText(m, src), &kb)
}

func (p *Presenter) Notify(_ context.Context, chatID int64, n bot.Notice) error {
	_, err := p.send(chatID, noticeText(n, p.opts.MaxFileSize), nil)
	return err
}

func (p *Presenter) StartProcessing(ctx context.Context, chatID int64, messageID int, sel media.Selection, src session.SourceRef) (int, error) {
	return p.edit(ctx, chatID, messageID, startText(sel, src), nil)
}

func (p *Presenter) ShowError(_ context.Context, chatID int64, err error) error {
	_, serr := p.send(chatID, errorText(err), nil)
	return serr
}

// Progress edits the job's progress message in place.
func (p *Presenter) Progress(_ context.Context, job jobs.ConvertPayload, pr pipeline.Progress) error {
	if job.ProgressMessageID == 0 {
		return nil
	}
	_, err := p.api.Send(tgbotapi.NewEditMessageText(job.ChatID, job.ProgressMessageID, progressText(pr)))
	if notModified(err) {
		return nil
	}
	return err
}

// Deliver sends r as a document, or as a download link when it exceeds the
// upload limit, then removes the progress message.
func (p *Presenter) Deliver(ctx context.Context, job jobs.ConvertPayload, r pipeline.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := logx.FromCtx(ctx)
	if r.Size > p.opts.UploadLimit {
		if p.opts.Links == nil {
			return apperr.Upload("deliver", fmt.Errorf("%w: result is %s, upload limit %s", apperr.ErrTooLarge, size(r.Size), size(p.opts.UploadLimit)))
		}
		url, err := p.opts.Links.Publish(ctx, job.JobID, r.Path, r.Name, r.MimeType)
		if err != nil {
			return apperr.Upload("publish", err)
		}
		if _, err := p.send(job.ChatID, linkText(r, url, p.opts.Links.TTL()), nil); err != nil {
			return apperr.Upload("send link", err)
		}
		l.Info().Int64("size", r.Size).Msg("result delivered as link")
		p.remove(ctx, job.ChatID, job.ProgressMessageID)
		return nil
	}

	f, err := os.Open(r.Path)
	if err != nil {
		return apperr.Upload("open result", err)
	}
	defer f.Close()
	doc := tgbotapi.NewDocument(job.ChatID, tgbotapi.FileReader{Name: r.Name, Reader: f})
	doc.Caption = captionText(r)
	if _, err := p.api.Send(doc); err != nil {
		return apperr.Upload("send document", err)
	}
	l.Info().Int64("size", r.Size).Str("name", r.Name).Msg("result delivered")
	p.remove(ctx, job.ChatID, job.ProgressMessageID)
	return nil
}

// Fail replaces the progress message with a single error line. Cancelled
// jobs get a plain notice so the bar never stays stuck.
func (p *Presenter) Fail(ctx context.Context, job jobs.ConvertPayload, err error) error {
	text := errorText(err)
	if errors.Is(err, pipeline.ErrCancelled) {
		text = cancelledText
	}
	_, serr := p.edit(ctx, job.ChatID, job.ProgressMessageID, text, nil)
	return serr
}
