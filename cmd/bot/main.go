package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/you/tg-converter/internal/admin"
	"github.com/you/tg-converter/internal/bot"
	"github.com/you/tg-converter/internal/config"
	"github.com/you/tg-converter/internal/logx"
	"github.com/you/tg-converter/internal/observability"
	"github.com/you/tg-converter/internal/pipeline"
	"github.com/you/tg-converter/internal/session"
	"github.com/you/tg-converter/internal/staging"
	"github.com/you/tg-converter/internal/storage"
	"github.com/you/tg-converter/internal/telegram"
	"github.com/you/tg-converter/internal/transcode"
)

const (
	progressEvery  = 3 * time.Second
	janitorEvery   = time.Minute
	shutdownBudget = 30 * time.Second
)

// runner is what both pipeline modes give the controller and the admin API.
type runner interface {
	bot.Runner
	admin.Jobs
}

func main() {
	cfg, err := config.Load()
	logx.Setup(logx.FromEnv("bot"))
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}
	if cfg.BotToken == "" {
		log.Fatal().Msg("BOT_TOKEN is required")
	}
	maxSize := cfg.EffectiveMaxFileSize()
	if maxSize < cfg.MaxFileSize {
		log.Warn().
			Int64("configured", cfg.MaxFileSize).
			Int64("effective", maxSize).
			Msg("MAX_FILE_SIZE capped to the public Bot API download limit, set TELEGRAM_API_ENDPOINT to lift it")
	}
	log.Info().Str("mode", cfg.PipelineMode).Msg("bot starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, "tg-converter-bot", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("tracer init failed")
	}

	api, err := telegram.Connect(cfg.BotToken, cfg.TelegramAPIEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("telegram auth failed")
	}
	log.Info().Str("username", api.Self.UserName).Msg("bot authorized")

	opts := telegram.Options{MaxFileSize: maxSize, UploadLimit: cfg.TelegramUploadLimit}
	if cfg.S3Enabled() {
		links, err := storage.NewS3Client(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3LinkTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("s3 client init failed")
		}
		opts.Links = links
	}
	presenter := telegram.NewPresenter(api, opts)

	var (
		store   session.Store
		jobs    runner
		closeFn func(context.Context) error
	)
	switch cfg.PipelineMode {
	case config.ModeQueue:
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable")
		}
		store = session.NewRedisStore(rdb, cfg.SessionTTL)
		qr := pipeline.NewQueueRunner(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, cfg.JobTimeout)
		jobs = qr
		closeFn = func(context.Context) error {
			_ = rdb.Close()
			return qr.Close()
		}
	default:
		mem := session.NewMemoryStore(cfg.SessionTTL)
		go mem.RunJanitor(ctx, janitorEvery)
		store = mem
		proc, err := newProcessor(cfg, api, presenter, store)
		if err != nil {
			log.Fatal().Err(err).Msg("pipeline init failed")
		}
		lr := pipeline.NewLocalRunner(proc, cfg.Concurrency, cfg.JobTimeout)
		jobs = lr
		closeFn = lr.Shutdown
	}

	go func() {
		if err := admin.Serve(ctx, cfg.AdminAddr, admin.SetupRouter("bot", jobs)); err != nil {
			log.Error().Err(err).Msg("admin server stopped")
		}
	}()

	ctrl := bot.NewController(store, jobs, presenter, maxSize)
	telegram.NewPoller(api, ctrl).Run(ctx)

	log.Info().Msg("bot stopping")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancel()
	if err := closeFn(sctx); err != nil {
		log.Warn().Err(err).Msg("runner shutdown incomplete")
	}
	if err := shutdownTracer(sctx); err != nil {
		log.Warn().Err(err).Msg("tracer shutdown failed")
	}
}

// newProcessor wires the in-process pipeline used in local mode.
func newProcessor(cfg *config.Config, api *tgbotapi.BotAPI, out pipeline.Presenter, store session.Store) (*pipeline.Processor, error) {
	engine, err := transcode.NewFFmpeg(cfg.FFmpegBin, cfg.FFprobeBin, cfg.FFmpegPreset, cfg.FFmpegExtraArgs)
	if err != nil {
		return nil, err
	}
	area, err := staging.NewArea(cfg.DataDir, cfg.EffectiveMaxFileSize(), cfg.MinFreeDisk)
	if err != nil {
		return nil, err
	}
	// Nothing survives a restart in local mode, so leftovers are orphans.
	if n := area.Sweep(0); n > 0 {
		log.Info().Int("removed", n).Msg("stale staging files swept")
	}
	return pipeline.NewProcessor(pipeline.Deps{
		Area:          area,
		Fetcher:       telegram.NewFetcher(api, cfg.TelegramAPIEndpoint),
		Dispatcher:    transcode.NewDispatcher(engine),
		Presenter:     out,
		Sessions:      store,
		ProgressEvery: progressEvery,
	}), nil
}
