package telegram

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/you/tg-converter/internal/apperr"
	"github.com/you/tg-converter/internal/bot"
	"github.com/you/tg-converter/internal/media"
	"github.com/you/tg-converter/internal/pipeline"
	"github.com/you/tg-converter/internal/session"
	"github.com/you/tg-converter/internal/staging"
)

func size(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

var actionLabels = map[media.Action]string{
	media.ChangeFormat:     "🔄 Change Format",
	media.Compress:         "📦 Compress",
	media.ChangeResolution: "🖼 Change Resolution",
	media.QuickConvert:     "⚡ Quick Convert",
	media.ExtractAudio:     "🎞 Extract Audio",
	media.Trim:             "✂️ Trim",
}

var tierLabels = map[media.Tier]string{
	media.TierUltra:      "💎 Ultra",
	media.TierBalanced:   "⚖️ Balanced",
	media.TierSpaceSaver: "📦 Space Saver",
	media.TierExtreme:    "🔥 Extreme",
}

func heightLabel(h int) string {
	switch h {
	case 2160:
		return "4K"
	case 1440:
		return "2K"
	}
	return fmt.Sprintf("%dp", h)
}

func button(label, data string) tgbotapi.InlineKeyboardButton {
	return tgbotapi.NewInlineKeyboardButtonData(label, data)
}

// pairs lays buttons out two per row.
func pairs(btns []tgbotapi.InlineKeyboardButton) [][]tgbotapi.InlineKeyboardButton {
	var rows [][]tgbotapi.InlineKeyboardButton
	for i := 0; i < len(btns); i += 2 {
		end := min(i+2, len(btns))
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(btns[i:end]...))
	}
	return rows
}

func backRow() []tgbotapi.InlineKeyboardButton {
	return tgbotapi.NewInlineKeyboardRow(button("🔙 Back", bot.BackToken()))
}

func menuKeyboard(m bot.Menu) tgbotapi.InlineKeyboardMarkup {
	var btns []tgbotapi.InlineKeyboardButton
	var rows [][]tgbotapi.InlineKeyboardButton
	switch m {
	case bot.MenuAction:
		for _, a := range []media.Action{media.ChangeFormat, media.Compress, media.ChangeResolution, media.QuickConvert, media.ExtractAudio, media.Trim} {
			btns = append(btns, button(actionLabels[a], bot.ActionToken(a)))
		}
		rows = append(pairs(btns), tgbotapi.NewInlineKeyboardRow(button("🔧 Advanced Settings", bot.AdvancedToken())))
	case bot.MenuFormat:
		for _, f := range media.Formats {
			btns = append(btns, button(strings.ToUpper(f), bot.FormatToken(f)))
		}
		rows = append(pairs(btns), backRow())
	case bot.MenuCompression:
		for _, t := range media.Tiers {
			btns = append(btns, button(tierLabels[t], bot.TierToken(t)))
		}
		rows = append(pairs(btns),
			tgbotapi.NewInlineKeyboardRow(button("🛠 Custom", bot.CustomTierToken())),
			backRow())
	case bot.MenuResolution:
		for _, h := range media.Heights {
			btns = append(btns, button(heightLabel(h), bot.ResolutionToken(h)))
		}
		rows = append(pairs(btns), backRow())
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func describeSource(src session.SourceRef) string {
	name := src.Name
	if name == "" {
		name = "video"
	}
	return fmt.Sprintf("🎬 %s (%s)", name, size(src.Size))
}

func menuText(m bot.Menu, src session.SourceRef) string {
	head := describeSource(src)
	switch m {
	case bot.MenuFormat:
		return head + "\n\nChoose the output format:"
	case bot.MenuCompression:
		var b strings.Builder
		b.WriteString(head + "\n\nChoose a compression level:\n")
		for _, t := range media.Tiers {
			fmt.Fprintf(&b, "%s: about %d%% of the original, ~%s\n", tierLabels[t], int(math.Round(t.SizeRatio()*100)), size(int64(float64(src.Size)*t.SizeRatio())))
		}
		return strings.TrimRight(b.String(), "\n")
	case bot.MenuResolution:
		return head + "\n\nChoose the target resolution. Aspect ratio is kept."
	}
	return head + "\n\nWhat should I do with it?"
}

func featureLabel(f string) string {
	switch f {
	case string(media.ExtractAudio):
		return "Audio extraction"
	case string(media.Trim):
		return "Trimming"
	case "advanced":
		return "Advanced settings"
	case "custom":
		return "Custom compression"
	}
	return "This feature"
}

func stateLabel(s session.State) string {
	switch s {
	case session.Idle:
		return "no active session"
	case session.AwaitingAction:
		return "waiting for you to pick an action"
	case session.AwaitingFormat:
		return "waiting for a format"
	case session.AwaitingCompression:
		return "waiting for a compression level"
	case session.AwaitingResolution:
		return "waiting for a resolution"
	case session.Processing:
		return "converting your video"
	}
	return string(s)
}

const cancelledText = "🚫 Conversion cancelled. Send a video to start again."

const busyText = "⏳ Your video is still being processed. Wait for the result or use /cancel."

func noticeText(n bot.Notice, maxSize int64) string {
	switch n.Kind {
	case bot.NoticeWelcome:
		return fmt.Sprintf("👋 Send me a video (up to %s) and choose what to do with it:\n"+
			"change format, compress, change resolution or quick convert to MP4.\n\n"+
			"Commands: /help /status /cancel", size(maxSize))
	case bot.NoticeHelp:
		return "How it works:\n" +
			"1. Send a video, either as a video or as a file.\n" +
			"2. Pick an action and its setting from the buttons.\n" +
			"3. Wait for the progress message to finish and grab your file.\n\n" +
			"/status shows your session, /cancel drops it."
	case bot.NoticeStatus:
		return fmt.Sprintf("📊 Session: %s\nJobs running: %d", stateLabel(n.State), n.ActiveJobs)
	case bot.NoticeCancelled:
		return "Cancelled. Send a video to start again."
	case bot.NoticeNothingToCancel:
		return "Nothing to cancel."
	case bot.NoticeTooLarge:
		return fmt.Sprintf("❌ This file is too large. The limit is %s.", size(n.Limit))
	case bot.NoticeUnavailable:
		return fmt.Sprintf("🚧 %s will be available soon.", featureLabel(n.Feature))
	case bot.NoticeUnexpected:
		return "That option doesn't apply right now. Use the buttons on the latest menu."
	case bot.NoticeBusy:
		return busyText
	case bot.NoticeNoSession:
		return "No active session. Send a video first."
	case bot.NoticeTextGuidance:
		switch n.State {
		case session.Idle:
			return "Send a video to get started."
		case session.Processing:
			return busyText
		}
		return "Pick an option from the menu above, or /cancel."
	case bot.NoticeUnknownCommand:
		return "Unknown command. Try /help."
	}
	return "Send a video to get started."
}

func startText(sel media.Selection, src session.SourceRef) string {
	return fmt.Sprintf("🔄 Starting: %s\n%s", sel.Label(), describeSource(src))
}

var stageLabels = map[pipeline.Stage]string{
	pipeline.StageDownloading: "📥 Downloading",
	pipeline.StageTranscoding: "⚙️ Converting",
	pipeline.StageUploading:   "📤 Uploading",
}

func progressText(p pipeline.Progress) string {
	pct := max(0, min(p.Percent, 100))
	filled := pct / 10
	bar := strings.Repeat("▓", filled) + strings.Repeat("░", 10-filled)
	return fmt.Sprintf("%s… %s %d%%", stageLabels[p.Stage], bar, pct)
}

func savings(orig, final int64) string {
	if orig <= 0 {
		return ""
	}
	d := float64(final-orig) / float64(orig) * 100
	return fmt.Sprintf(" (%+.0f%%)", d)
}

func captionText(r pipeline.Result) string {
	return fmt.Sprintf("✅ Done: %s\nOriginal: %s\nResult: %s%s",
		r.Label, size(r.OriginalSize), size(r.Size), savings(r.OriginalSize, r.Size))
}

func linkText(r pipeline.Result, url string, ttl time.Duration) string {
	return fmt.Sprintf("%s\n\nThe file is too large to send here. Download it within %s:\n%s",
		captionText(r), strings.TrimSpace(humanize.RelTime(time.Time{}, time.Time{}.Add(ttl), "", "")), url)
}

// errorText is the single line a user sees for a failure. Causes stay in
// the log.
func errorText(err error) string {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		return "❌ That selection isn't valid. Send the video again to start over."
	case apperr.KindStaging:
		switch {
		case errors.Is(err, apperr.ErrTooLarge):
			return "❌ This file is too large to process."
		case errors.Is(err, staging.ErrNoSpace):
			return "❌ The server is short on space right now. Please try again later."
		}
		return "❌ Couldn't download your video. Please send it again."
	case apperr.KindTranscode:
		if errors.Is(err, pipeline.ErrTimeout) {
			return "❌ The conversion took too long and was stopped. Try a smaller resolution or a stronger compression."
		}
		return "❌ The conversion failed. Try a different file or setting."
	case apperr.KindUpload:
		return "❌ The result couldn't be delivered. Try a stronger compression or a lower resolution."
	}
	return "❌ Something went wrong. Please try again."
}
