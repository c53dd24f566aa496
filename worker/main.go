package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/DeafMist/indication-mapper/backend/internal/bootstrap"
	"github.com/DeafMist/indication-mapper/backend/internal/config"
	"github.com/DeafMist/indication-mapper/backend/internal/dedupe"
	"github.com/DeafMist/indication-mapper/backend/internal/icd10"
	"github.com/DeafMist/indication-mapper/backend/internal/logger"
	"github.com/DeafMist/indication-mapper/backend/internal/models"
	"github.com/DeafMist/indication-mapper/backend/internal/pipeline"
	"github.com/DeafMist/indication-mapper/backend/internal/processing"
	"github.com/DeafMist/indication-mapper/backend/internal/source"
	"github.com/DeafMist/indication-mapper/backend/internal/store"
)

type requestRunner interface {
	Run(ctx context.Context, req models.RunRequest) pipeline.Result
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

func main() {
	log := logger.New("worker")
	cfg, err := config.LoadWorker()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	backend, err := bootstrap.OpenStore(ctx, cfg.Common, log, bootstrap.DefaultRetry)
	if err != nil {
		log.Error("open store", slog.Any("err", err))
		os.Exit(1)
	}
	defer backend.Close()

	resolver, err := bootstrap.NewResolver(cfg.Pipeline, log)
	if err != nil {
		log.Error("init resolver", slog.Any("err", err))
		os.Exit(1)
	}

	locker, closeLocker, err := bootstrap.NewLocker(ctx, cfg.Pipeline)
	if err != nil {
		log.Error("init run lock", slog.Any("err", err))
		os.Exit(1)
	}
	defer closeLocker()

	runner := &labelRunner{
		backend:  backend,
		resolver: resolver,
		locker:   locker,
		fetcher:  source.NewFetcher(cfg.FetchTimeout, cfg.FetchRetries),
		baseURL:  cfg.DailyMedBaseURL,
		log:      log,
	}
	window := dedupe.NewWindow(cfg.DedupeCapacity, cfg.DedupeTTL)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.KafkaBrokers,
		Topic:          cfg.KafkaTopic,
		GroupID:        cfg.KafkaConsumer,
		MinBytes:       1,
		MaxBytes:       1e6,
		CommitInterval: 0, // manual commit only
	})
	defer reader.Close()

	dlqTopic := cfg.KafkaTopic + "_dlq"
	dlqWriter := kafka.NewWriter(kafka.WriterConfig{
		Brokers:     cfg.KafkaBrokers,
		Topic:       dlqTopic,
		MaxAttempts: 3,
	})
	defer dlqWriter.Close()

	log.Info("worker started",
		slog.String("topic", cfg.KafkaTopic),
		slog.String("group", cfg.KafkaConsumer),
		slog.String("dlq_topic", dlqTopic),
	)

	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				log.Info("context canceled, stopping")
				return
			}
			log.Error("fetch message", slog.Any("err", err))
			continue
		}

		if err := processMessage(ctx, log, runner, window, cfg, msg); err != nil {
			log.Warn("process message failed, sending to DLQ",
				slog.Any("err", err),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
			)

			// Commit only once the request is safely in the DLQ; otherwise it is redelivered on restart.
			if !deadLetter(ctx, log, dlqWriter, msg, err, time.Second) {
				if ctx.Err() != nil {
					return
				}
				log.Error("DLQ write exhausted retries, message may be lost if later messages commit",
					slog.Int("partition", msg.Partition),
					slog.Int64("offset", msg.Offset),
				)
				continue
			}
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			log.Error("commit message", slog.Any("err", err))
		}
	}
}

// processMessage runs the pipeline for one request. Requests completed inside
// the dedupe window are skipped. Only failed runs return an error.
func processMessage(ctx context.Context, log *slog.Logger, runner requestRunner, window *dedupe.Window, cfg *config.Worker, msg kafka.Message) error {
	var req models.RunRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		return fmt.Errorf("decode run request: %w", err)
	}

	req.DrugName = strings.TrimSpace(req.DrugName)
	req.SetID = strings.TrimSpace(req.SetID)
	req.ArchiveURL = strings.TrimSpace(req.ArchiveURL)
	if req.DrugName == "" {
		return errors.New("run request without drug_name")
	}
	if req.SetID == "" && req.ArchiveURL == "" {
		return errors.New("run request needs set_id or archive_url")
	}

	key := requestKey(req)
	if window.IsSeen(key) {
		log.Debug("duplicate run request", slog.String("key", key))
		return nil
	}

	runCtx, cancel := context.WithTimeout(ctx, cfg.RunTimeout)
	defer cancel()

	res := runner.Run(runCtx, req)
	switch {
	case res.Outcome == pipeline.OutcomeFailed:
		return fmt.Errorf("run %s %s: %w", res.RunID, res.Reason, res.Err)
	case res.Outcome == pipeline.OutcomeAborted && res.Reason == pipeline.ReasonLocked:
		// the lock holder finishes the work; a later request may still be needed
		log.Info("drug is being mapped elsewhere", slog.String("drug", req.DrugName))
		return nil
	}

	window.MarkSeen(key)
	log.Info("run request handled",
		slog.String("run_id", res.RunID),
		slog.String("drug", res.DrugName),
		slog.String("outcome", string(res.Outcome)),
		slog.String("reason", string(res.Reason)),
		slog.Int("inserted", res.Inserted),
	)
	return nil
}

func requestKey(req models.RunRequest) string {
	return processing.NormalizeDrugName(req.DrugName) + "|" + req.SetID + "|" + req.ArchiveURL
}

// deadLetter copies msg to the DLQ with the failure attached, retrying with
// exponential backoff. It reports whether the write succeeded.
func deadLetter(ctx context.Context, log *slog.Logger, w messageWriter, msg kafka.Message, cause error, backoff time.Duration) bool {
	dlqMsg := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Headers: append(msg.Headers,
			kafka.Header{Key: "original_partition", Value: []byte(fmt.Sprintf("%d", msg.Partition))},
			kafka.Header{Key: "original_offset", Value: []byte(fmt.Sprintf("%d", msg.Offset))},
			kafka.Header{Key: "error", Value: []byte(cause.Error())},
			kafka.Header{Key: "timestamp", Value: []byte(time.Now().UTC().Format(time.RFC3339))},
		),
	}

	for attempt := range 5 {
		dlqErr := w.WriteMessages(ctx, dlqMsg)
		if dlqErr == nil {
			log.Info("message sent to DLQ",
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.Int("attempt", attempt+1),
			)
			return true
		}

		wait := backoff << uint(attempt)
		log.Warn("DLQ write failed, retrying",
			slog.Any("err", dlqErr),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", wait),
		)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			log.Info("context canceled during DLQ retry")
			return false
		}
	}
	return false
}

// labelRunner builds a pipeline run for each request against the shared backend.
type labelRunner struct {
	backend  store.Backend
	resolver *icd10.Resolver
	locker   pipeline.Locker
	fetcher  *source.Fetcher
	baseURL  string
	log      *slog.Logger
}

func (r *labelRunner) Run(ctx context.Context, req models.RunRequest) pipeline.Result {
	archiveURL := req.ArchiveURL
	if archiveURL == "" {
		archiveURL = source.ArchiveURL(r.baseURL, req.SetID)
	}

	runner := pipeline.NewRunner(req.DrugName,
		source.NewLabel(r.fetcher, archiveURL),
		r.resolver,
		r.backend.Collection(req.DrugName),
		pipeline.WithLocker(r.locker),
		pipeline.WithLogger(r.log),
	)
	return runner.Run(ctx)
}
