package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/you/tg-converter/internal/admin"
	"github.com/you/tg-converter/internal/config"
	"github.com/you/tg-converter/internal/jobs"
	"github.com/you/tg-converter/internal/logx"
	"github.com/you/tg-converter/internal/observability"
	"github.com/you/tg-converter/internal/pipeline"
	"github.com/you/tg-converter/internal/session"
	"github.com/you/tg-converter/internal/staging"
	"github.com/you/tg-converter/internal/storage"
	"github.com/you/tg-converter/internal/telegram"
	"github.com/you/tg-converter/internal/transcode"
)

const progressEvery = 3 * time.Second

func main() {
	cfg, err := config.Load()
	logx.Setup(logx.FromEnv("worker"))
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, "tg-converter-worker", cfg.OTLPEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("tracer init failed")
	}

	api, err := telegram.Connect(cfg.BotToken, cfg.TelegramAPIEndpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("telegram auth failed")
	}
	opts := telegram.Options{MaxFileSize: maxSize, UploadLimit: cfg.TelegramUploadLimit}
	if cfg.S3Enabled() {
		links, err := storage.NewS3Client(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3LinkTTL)
		if err != nil {
			log.Fatal().Err(err).Msg("s3 client init failed")
		}
		opts.Links = links
	}

	engine, err := transcode.NewFFmpeg(cfg.FFmpegBin, cfg.FFprobeBin, cfg.FFmpegPreset, cfg.FFmpegExtraArgs)
	if err != nil {
		log.Fatal().Err(err).Msg("ffmpeg unavailable")
	}
	area, err := staging.NewArea(cfg.DataDir, maxSize, cfg.MinFreeDisk)
	if err != nil {
		log.Fatal().Err(err).Msg("staging area unavailable")
	}
	// Other workers may share DATA_DIR; only files older than any live job go.
	if n := area.Sweep(2 * cfg.JobTimeout); n > 0 {
		log.Info().Int("removed", n).Msg("stale staging files swept")
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	proc := pipeline.NewProcessor(pipeline.Deps{
		Area:          area,
		Fetcher:       telegram.NewFetcher(api, cfg.TelegramAPIEndpoint),
		Dispatcher:    transcode.NewDispatcher(engine),
		Presenter:     telegram.NewPresenter(api, opts),
		Sessions:      session.NewRedisStore(rdb, cfg.SessionTTL),
		ProgressEvery: progressEvery,
	})

	srv := asynq.NewServer(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, asynq.Config{
		Concurrency:     cfg.Concurrency,
		Queues:          map[string]int{jobs.Queue: 1},
		ShutdownTimeout: 10 * time.Second,
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(jobs.TaskConvert, pipeline.NewTaskHandler(proc))

	go func() {
		if err := admin.Serve(ctx, cfg.AdminAddr, admin.SetupRouter("worker", nil)); err != nil {
			log.Error().Err(err).Msg("admin server stopped")
		}
	}()

	log.Info().Int("concurrency", cfg.Concurrency).Msg("worker starting")
	if err := srv.Start(mux); err != nil {
		log.Fatal().Err(err).Msg("asynq server failed")
	}
	<-ctx.Done()
	log.Info().Msg("worker stopping")
	srv.Shutdown()

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := shutdownTracer(sctx); err != nil {
		log.Warn().Err(err).Msg("tracer shutdown failed")
	}
}
