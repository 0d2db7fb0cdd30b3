package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/iamedic/ultrasound-capture-service/internal/domain/runs"
	"github.com/iamedic/ultrasound-capture-service/internal/infra/classifier"
	"github.com/iamedic/ultrasound-capture-service/internal/infra/config"
	"github.com/iamedic/ultrasound-capture-service/internal/infra/email"
	"github.com/iamedic/ultrasound-capture-service/internal/infra/ffmpeg"
	"github.com/iamedic/ultrasound-capture-service/internal/infra/httpapi"
	"github.com/iamedic/ultrasound-capture-service/internal/infra/metrics"
	miniostorage "github.com/iamedic/ultrasound-capture-service/internal/infra/minio"
	"github.com/iamedic/ultrasound-capture-service/internal/infra/postgres"
	"github.com/iamedic/ultrasound-capture-service/internal/infra/rabbitmq"
	"github.com/iamedic/ultrasound-capture-service/internal/infra/tracing"
	"github.com/iamedic/ultrasound-capture-service/internal/session"
	"github.com/iamedic/ultrasound-capture-service/internal/usecase"
	"github.com/iamedic/ultrasound-capture-service/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	fatalOnErr(err, "load config")

	log, err := logger.New(cfg.LogLevel)
	fatalOnErr(err, "init logger")
	defer log.Sync()

	log.Info("starting ultrasound-capture-service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing (non-fatal if Jaeger unavailable)
	tp, err := tracing.InitTracer(ctx, cfg.JaegerEndpoint)
	if err != nil {
		log.Warn("tracing init failed, continuing without tracing", zap.Error(err))
	} else {
		defer tp.Shutdown(ctx)
	}

	// Database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	fatalOnErr(err, "connect to postgres")
	defer pool.Close()

	fatalOnErr(postgres.RunMigrations(ctx, pool), "apply migrations")

	// MinIO
	storage, err := miniostorage.NewStorage(miniostorage.StorageConfig{
		Endpoint:    cfg.MinIOEndpoint,
		AccessKey:   cfg.MinIOAccessKey,
		SecretKey:   cfg.MinIOSecretKey,
		UseSSL:      cfg.MinIOUseSSL,
		VideoBucket: cfg.MinIOVideoBucket,
		StillBucket: cfg.MinIOStillBucket,
		SpoolDir:    cfg.TempDir,
	})
	fatalOnErr(err, "create minio storage")
	fatalOnErr(storage.EnsureBuckets(ctx), "ensure minio buckets")

	// RabbitMQ publisher connection
	rmqConn, err := amqp.Dial(cfg.RabbitMQURL)
	fatalOnErr(err, "connect to rabbitmq for publisher")
	defer rmqConn.Close()

	pub, err := rabbitmq.NewPublisher(rmqConn, cfg.RabbitMQExchange)
	fatalOnErr(err, "create rabbitmq publisher")

	statusPub := rabbitmq.NewStatusPublisher(pub)
	dlqPub := rabbitmq.NewDLQPublisher(pub, cfg.RabbitMQDLQ)

	// Infra adapters
	studies := postgres.NewStudyRepository(pool)
	frames := postgres.NewFrameRepository(pool)
	videos := postgres.NewVideoRepository(pool)
	oracle := classifier.NewClient(cfg.ClassifierURL, time.Duration(cfg.ClassifierTimeout)*time.Millisecond, log)
	if !oracle.IsHealthy(ctx) {
		// Frames score as 0 while the classifier is down, so the service can
		// still start and ingest recordings.
		log.Warn("classifier not reachable at startup, frame scoring degraded",
			zap.String("classifier_url", cfg.ClassifierURL))
	}
	repairer := ffmpeg.NewRepairer(log)
	decoder := ffmpeg.NewDecoder(cfg.FFmpegFPS, cfg.FFmpegFormat, log)
	notifier := email.NewSMTPNotifier(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, log)

	detectorParams := runs.Params{
		RunThreshold:        cfg.RunThreshold,
		PredictionThreshold: cfg.PredictionThreshold,
		MinRunLength:        cfg.MinRunLength,
		Patience:            cfg.Patience,
	}

	// Use cases
	registry := session.NewRegistry(cfg.RecentFrames)
	capture, err := usecase.NewCaptureService(
		registry, oracle, storage, studies, frames, videos,
		repairer, statusPub, log,
		usecase.CaptureConfig{
			MaxVideoBytes:      cfg.MaxVideoMB << 20,
			MaxStorageBytes:    cfg.MaxStorageMB << 20,
			OracleTimeout:      time.Duration(cfg.ClassifierTimeout) * time.Millisecond,
			SessionIdleTimeout: time.Duration(cfg.SessionIdleSecs) * time.Second,
			CleanupInterval:    time.Duration(cfg.CleanupSecs) * time.Second,
			Detector:           detectorParams,
		},
	)
	fatalOnErr(err, "create capture service")

	batch, err := usecase.NewBatchService(
		oracle, storage, decoder, studies, frames, videos,
		statusPub, dlqPub, notifier, log,
		usecase.BatchConfig{
			TempDir:       cfg.TempDir,
			OracleTimeout: time.Duration(cfg.ClassifierTimeout) * time.Millisecond,
			Detector:      detectorParams,
		},
	)
	fatalOnErr(err, "create batch service")

	capture.StartCleanupLoop(ctx)

	// Metrics server
	metricsSrv := metrics.StartMetricsServer(ctx, cfg.MetricsPort, log)

	// Consumer (worker pool)
	consumer, err := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
		URL:         cfg.RabbitMQURL,
		Queue:       cfg.RabbitMQExtractQueue,
		Exchange:    cfg.RabbitMQExchange,
		DLQ:         cfg.RabbitMQDLQ,
		StatusQueue: cfg.RabbitMQStatusQueue,
		Prefetch:    cfg.RabbitMQPrefetch,
		WorkerCount: cfg.WorkerCount,
		BaseDelayMs: cfg.RetryBaseDelayMs,
	}, batch.Execute, log)
	fatalOnErr(err, "create consumer")

	go func() {
		if err := consumer.Start(ctx); err != nil {
			log.Error("consumer error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	api := httpapi.NewServer(capture, batch, log)
	log.Info("ultrasound-capture-service started")

	if err := api.Start(ctx, cfg.APIPort); err != nil {
		log.Error("api server error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Shutdown(shutdownCtx)

	consumer.Close()
	log.Info("ultrasound-capture-service stopped")
}

func fatalOnErr(err error, msg string) {
	if err != nil {
		panic(msg + ": " + err.Error())
	}
}
