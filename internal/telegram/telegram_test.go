package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/tg-converter/internal/apperr"
	"github.com/you/tg-converter/internal/bot"
	"github.com/you/tg-converter/internal/jobs"
	"github.com/you/tg-converter/internal/media"
	"github.com/you/tg-converter/internal/pipeline"
	"github.com/you/tg-converter/internal/session"
	"github.com/you/tg-converter/internal/staging"
)

type fakeAPI struct {
	mu      sync.Mutex
	sent    []tgbotapi.Chattable
	next    int
	editErr error
	sendErr error
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	if _, ok := c.(tgbotapi.EditMessageTextConfig); ok && f.editErr != nil {
		return tgbotapi.Message{}, f.editErr
	}
	if f.sendErr != nil {
		return tgbotapi.Message{}, f.sendErr
	}
	f.next++
	return tgbotapi.Message{MessageID: 1000 + f.next}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) calls() []tgbotapi.Chattable {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.Chattable(nil), f.sent...)
}

type fakeLinks struct {
	url    string
	err    error
	called int
}

func (l *fakeLinks) Publish(context.Context, string, string, string, string) (string, error) {
	l.called++
	return l.url, l.err
}

func (l *fakeLinks) TTL() time.Duration { return 24 * time.Hour }

func resultFile(t *testing.T, n int) pipeline.Result {
	t.Helper()
	p := filepath.Join(t.TempDir(), "01J.mp4")
	require.NoError(t, os.WriteFile(p, make([]byte, n), 0o644))
	return pipeline.Result{
		Path: p, Name: "clip_converted.mp4", MimeType: "video/mp4",
		Size: int64(n), OriginalSize: int64(2 * n), Label: "MP4 (quick)",
	}
}

var job = jobs.ConvertPayload{JobID: "01JOB", ChatID: 9, UserID: 7, ProgressMessageID: 55}

func TestShowMenuEditsInPlace(t *testing.T) {
	api := &fakeAPI{}
	p := NewPresenter(api, Options{})
	src := session.SourceRef{Name: "clip.mp4", Size: 50 << 20}

	id, err := p.ShowMenu(context.Background(), 9, 0, bot.MenuAction, src)
	require.NoError(t, err)
	assert.Equal(t, 1001, id)
	first := api.calls()[0].(tgbotapi.MessageConfig)
	assert.Contains(t, first.Text, "clip.mp4")
	assert.Contains(t, first.Text, "50 MiB")

	id, err = p.ShowMenu(context.Background(), 9, id, bot.MenuCompression, src)
	require.NoError(t, err)
	assert.Equal(t, 1001, id)
	edit := api.calls()[1].(tgbotapi.EditMessageTextConfig)
	assert.Equal(t, 1001, edit.MessageID)
	assert.Contains(t, edit.Text, "Balanced: about 70% of the original, ~35 MiB")
	require.NotNil(t, edit.ReplyMarkup)
}

func TestEditFallsBackToNewMessage(t *testing.T) {
	api := &fakeAPI{editErr: errors.New("Bad Request: message to edit not found")}
	p := NewPresenter(api, Options{})
	id, err := p.StartProcessing(context.Background(), 9, 77, media.Selection{Action: media.QuickConvert}, session.SourceRef{})
	require.NoError(t, err)
	assert.Equal(t, 1001, id)
	require.Len(t, api.calls(), 2)
	assert.IsType(t, tgbotapi.MessageConfig{}, api.calls()[1])
}

func TestEditNotModifiedIsSuccess(t *testing.T) {
	api := &fakeAPI{editErr: errors.New("Bad Request: message is not modified")}
	p := NewPresenter(api, Options{})
	id, err := p.ShowMenu(context.Background(), 9, 77, bot.MenuFormat, session.SourceRef{})
	require.NoError(t, err)
	assert.Equal(t, 77, id)
	assert.Len(t, api.calls(), 1)

	assert.NoError(t, p.Progress(context.Background(), job, pipeline.Progress{Stage: pipeline.StageTranscoding, Percent: 10}))
}

func TestProgressEditsProgressMessage(t *testing.T) {
	api := &fakeAPI{}
	p := NewPresenter(api, Options{})
	require.NoError(t, p.Progress(context.Background(), job, pipeline.Progress{Stage: pipeline.StageTranscoding, Percent: 42}))
	edit := api.calls()[0].(tgbotapi.EditMessageTextConfig)
	assert.Equal(t, 55, edit.MessageID)
	assert.Equal(t, "⚙️ Converting… ▓▓▓▓░░░░░░ 42%", edit.Text)

	noMsg := job
	noMsg.ProgressMessageID = 0
	require.NoError(t, p.Progress(context.Background(), noMsg, pipeline.Progress{Stage: pipeline.StageUploading}))
	assert.Len(t, api.calls(), 1)
}

func TestDeliverSendsDocumentAndDeletesProgress(t *testing.T) {
	api := &fakeAPI{}
	p := NewPresenter(api, Options{UploadLimit: 1 << 20})
	r := resultFile(t, 1024)

	require.NoError(t, p.Deliver(context.Background(), job, r))
	calls := api.calls()
	require.Len(t, calls, 2)
	doc := calls[0].(tgbotapi.DocumentConfig)
	assert.Equal(t, "✅ Done: MP4 (quick)\nOriginal: 2.0 KiB\nResult: 1.0 KiB (-50%)", doc.Caption)
	assert.Equal(t, "clip_converted.mp4", doc.File.(tgbotapi.FileReader).Name)
	del := calls[1].(tgbotapi.DeleteMessageConfig)
	assert.Equal(t, 55, del.MessageID)
}

func TestDeliverOversized(t *testing.T) {
	r := resultFile(t, 2048)

	t.Run("without links", func(t *testing.T) {
		api := &fakeAPI{}
		err := NewPresenter(api, Options{UploadLimit: 1024}).Deliver(context.Background(), job, r)
		require.Error(t, err)
		assert.Equal(t, apperr.KindUpload, apperr.KindOf(err))
		assert.ErrorIs(t, err, apperr.ErrTooLarge)
		assert.Empty(t, api.calls())
	})

	t.Run("with links", func(t *testing.T) {
		api := &fakeAPI{}
		links := &fakeLinks{url: "https://example.test/r/clip.mp4"}
		require.NoError(t, NewPresenter(api, Options{UploadLimit: 1024, Links: links}).Deliver(context.Background(), job, r))
		assert.Equal(t, 1, links.called)
		msg := api.calls()[0].(tgbotapi.MessageConfig)
		assert.Contains(t, msg.Text, "https://example.test/r/clip.mp4")
		assert.Contains(t, msg.Text, "1 day")
	})

	t.Run("publish failure", func(t *testing.T) {
		links := &fakeLinks{err: errors.New("access denied")}
		err := NewPresenter(&fakeAPI{}, Options{UploadLimit: 1024, Links: links}).Deliver(context.Background(), job, r)
		assert.Equal(t, apperr.KindUpload, apperr.KindOf(err))
	})
}

func TestFailShowsOneLine(t *testing.T) {
	api := &fakeAPI{}
	p := NewPresenter(api, Options{})
	err := apperr.Transcode("ffmpeg", errors.New("exit status 1"), "moov atom not found")
	require.NoError(t, p.Fail(context.Background(), job, err))
	edit := api.calls()[0].(tgbotapi.EditMessageTextConfig)
	assert.NotContains(t, edit.Text, "moov")
	assert.NotContains(t, edit.Text, "\n")

}

func TestFailAfterCancelClearsProgress(t *testing.T) {
	api := &fakeAPI{}
	p := NewPresenter(api, Options{})
	err := fmt.Errorf("%w: %w", pipeline.ErrCancelled, apperr.Transcode("ffmpeg", context.Canceled, "signal: killed"))
	require.NoError(t, p.Fail(context.Background(), job, err))

	calls := api.calls()
	require.Len(t, calls, 1)
	edit := calls[0].(tgbotapi.EditMessageTextConfig)
	assert.Equal(t, job.ProgressMessageID, edit.MessageID)
	assert.Contains(t, edit.Text, "cancelled")
	assert.NotContains(t, edit.Text, "%")
}

func TestErrorText(t *testing.T) {
	cases := map[string]error{
		"too long":        apperr.Transcode("job", pipeline.ErrTimeout, ""),
		"conversion":      apperr.Transcode("ffmpeg", errors.New("x"), ""),
		"short on space":  apperr.Staging("stage", staging.ErrNoSpace),
		"too large":       apperr.Staging("stage", apperr.ErrTooLarge),
		"download":        apperr.Staging("stage", io.ErrUnexpectedEOF),
		"delivered":       apperr.Upload("deliver", errors.New("x")),
		"selection":       apperr.Validation("selection", apperr.ErrUnexpectedInput),
		"Something went ": errors.New("plain"),
	}
	for want, err := range cases {
		assert.Contains(t, errorText(err), want)
	}
}

func TestMenuKeyboardsCarryTokens(t *testing.T) {
	data := func(m bot.Menu) []string {
		var out []string
		for _, row := range menuKeyboard(m).InlineKeyboard {
			for _, b := range row {
				out = append(out, *b.CallbackData)
			}
		}
		return out
	}
	assert.Equal(t, []string{"act:format", "act:compress", "act:resolution", "act:quick", "act:extract_audio", "act:trim", "act:advanced"}, data(bot.MenuAction))
	assert.Equal(t, []string{"cmp:ultra", "cmp:balanced", "cmp:space-saver", "cmp:extreme", "cmp:custom", "nav:back"}, data(bot.MenuCompression))
	assert.Contains(t, data(bot.MenuResolution), "res:720p")
	assert.Len(t, data(bot.MenuFormat), len(media.Formats)+1)
}

func TestNoticeText(t *testing.T) {
	assert.Contains(t, noticeText(bot.Notice{Kind: bot.NoticeTooLarge, Limit: 2 << 30}, 0), "2.0 GiB")
	assert.Contains(t, noticeText(bot.Notice{Kind: bot.NoticeWelcome}, 2<<30), "2.0 GiB")
	assert.Contains(t, noticeText(bot.Notice{Kind: bot.NoticeUnavailable, Feature: "trim"}, 0), "Trimming")
	assert.Contains(t, noticeText(bot.Notice{Kind: bot.NoticeStatus, State: session.Processing, ActiveJobs: 3}, 0), "Jobs running: 3")
	assert.Equal(t, busyText, noticeText(bot.Notice{Kind: bot.NoticeTextGuidance, State: session.Processing}, 0))
}

func command(text string) *tgbotapi.Message {
	cmd, _, _ := strings.Cut(text, " ")
	return &tgbotapi.Message{
		MessageID: 3, Text: text,
		From: &tgbotapi.User{ID: 7}, Chat: &tgbotapi.Chat{ID: 9},
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}},
	}
}

func TestToEvent(t *testing.T) {
	from, chat := &tgbotapi.User{ID: 7}, &tgbotapi.Chat{ID: 9}

	ev, ok := ToEvent(tgbotapi.Update{Message: &tgbotapi.Message{From: from, Chat: chat,
		Video: &tgbotapi.Video{FileID: "v1", FileName: "a.mov", FileSize: 1234, MimeType: "video/quicktime"}}})
	require.True(t, ok)
	assert.Equal(t, bot.EventUpload, ev.Kind)
	assert.Equal(t, session.SourceRef{FileID: "v1", Name: "a.mov", Size: 1234, MimeType: "video/quicktime"}, *ev.Upload)

	ev, ok = ToEvent(tgbotapi.Update{Message: &tgbotapi.Message{From: from, Chat: chat,
		Document: &tgbotapi.Document{FileID: "d1", FileName: "b.mkv", MimeType: "Video/x-matroska"}}})
	require.True(t, ok)
	assert.Equal(t, bot.EventUpload, ev.Kind)

	ev, ok = ToEvent(tgbotapi.Update{Message: &tgbotapi.Message{From: from, Chat: chat,
		Document: &tgbotapi.Document{FileID: "d2", MimeType: "application/pdf"}}})
	require.True(t, ok)
	assert.Equal(t, bot.EventText, ev.Kind)

	ev, ok = ToEvent(tgbotapi.Update{Message: command("/Status@conv_bot")})
	require.True(t, ok)
	assert.Equal(t, bot.EventCommand, ev.Kind)
	assert.Equal(t, "status", ev.Command)

	ev, ok = ToEvent(tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{ID: "q", From: from, Data: "fmt:mp4",
		Message: &tgbotapi.Message{MessageID: 44, Chat: chat}}})
	require.True(t, ok)
	assert.Equal(t, bot.Event{Kind: bot.EventSelect, ChatID: 9, UserID: 7, MessageID: 44, Token: "fmt:mp4"}, ev)

	_, ok = ToEvent(tgbotapi.Update{Message: &tgbotapi.Message{Chat: chat, Text: "channel post"}})
	assert.False(t, ok)
	_, ok = ToEvent(tgbotapi.Update{})
	assert.False(t, ok)
}

type fileMap map[string]string

func (m fileMap) GetFile(c tgbotapi.FileConfig) (tgbotapi.File, error) {
	p, ok := m[c.FileID]
	if !ok {
		return tgbotapi.File{}, errors.New("Bad Request: file is too big")
	}
	return tgbotapi.File{FileID: c.FileID, FilePath: p}, nil
}

func TestFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/file/botTOKEN/videos/file_1.mp4" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("remote bytes"))
	}))
	defer srv.Close()

	local := filepath.Join(t.TempDir(), "file_2.mp4")
	require.NoError(t, os.WriteFile(local, []byte("local bytes"), 0o644))

	f := newFetcher(fileMap{"remote": "videos/file_1.mp4", "local": local, "gone": "videos/missing.mp4"},
		"TOKEN", srv.URL+"/bot%s/%s", srv.Client())
	read := func(id string) (string, error) {
		rc, err := f.Open(context.Background(), id)
		if err != nil {
			return "", err
		}
		defer rc.Close()
		b, err := io.ReadAll(rc)
		return string(b), err
	}

	got, err := read("remote")
	require.NoError(t, err)
	assert.Equal(t, "remote bytes", got)

	got, err = read("local")
	require.NoError(t, err)
	assert.Equal(t, "local bytes", got)

	_, err = read("gone")
	assert.ErrorContains(t, err, "status 404")
	_, err = read("huge")
	assert.ErrorContains(t, err, "too big")
}

func TestFileEndpoint(t *testing.T) {
	assert.Equal(t, tgbotapi.FileEndpoint, fileEndpoint(""))
	assert.Equal(t, "http://tg:8081/file/bot%s/%s", fileEndpoint("http://tg:8081/bot%s/%s"))
}

func fromUser(id int64, updateID int) tgbotapi.Update {
	return tgbotapi.Update{UpdateID: updateID, Message: &tgbotapi.Message{From: &tgbotapi.User{ID: id}, Chat: &tgbotapi.Chat{ID: id}}}
}

func TestLanesKeepPerUserOrder(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	got := map[int64][]int{}
	ln := newLanes(func(upd tgbotapi.Update) {
		// The first update of user 1 waits until user 2 has been served.
		if upd.UpdateID == 1 {
			<-release
		}
		id := senderOf(upd)
		mu.Lock()
		got[id] = append(got[id], upd.UpdateID)
		mu.Unlock()
		if id == 2 {
			close(release)
		}
	})

	for i := 1; i <= 5; i++ {
		ln.push(1, fromUser(1, i))
	}
	ln.push(2, fromUser(2, 100))
	ln.wait()

	assert.Equal(t, []int{1, 2, 3, 4, 5}, got[1])
	assert.Equal(t, []int{100}, got[2])

	// A drained lane starts again on the next update.
	ln.push(1, fromUser(1, 6))
	ln.wait()
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6}, got[1])
}

func TestSenderOf(t *testing.T) {
	assert.Equal(t, int64(7), senderOf(fromUser(7, 1)))
	cb := tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{From: &tgbotapi.User{ID: 8}}}
	assert.Equal(t, int64(8), senderOf(cb))
	assert.Zero(t, senderOf(tgbotapi.Update{}))
}
