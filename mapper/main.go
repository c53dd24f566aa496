package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/DeafMist/indication-mapper/backend/internal/bootstrap"
	"github.com/DeafMist/indication-mapper/backend/internal/config"
	"github.com/DeafMist/indication-mapper/backend/internal/logger"
	"github.com/DeafMist/indication-mapper/backend/internal/pipeline"
	"github.com/DeafMist/indication-mapper/backend/internal/source"
)

func main() {
	log := logger.New("mapper")
	cfg, err := config.LoadMapper()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	os.Exit(run(ctx, log, cfg))
}

func run(ctx context.Context, log *slog.Logger, cfg *config.Mapper) int {
	backend, err := bootstrap.OpenStore(ctx, cfg.Common, log, bootstrap.DefaultRetry)
	if err != nil {
		log.Error("open store", slog.Any("err", err))
		return 1
	}
	defer backend.Close()

	resolver, err := bootstrap.NewResolver(cfg.Pipeline, log)
	if err != nil {
		log.Error("init resolver", slog.Any("err", err))
		return 1
	}

	locker, closeLocker, err := bootstrap.NewLocker(ctx, cfg.Pipeline)
	if err != nil {
		log.Error("init run lock", slog.Any("err", err))
		return 1
	}
	defer closeLocker()

	archiveURL := source.ArchiveURL(cfg.DailyMedBaseURL, cfg.SetID)
	label := source.NewLabel(source.NewFetcher(cfg.FetchTimeout, cfg.FetchRetries), archiveURL)
	log.Info("mapping label", slog.String("drug", cfg.DrugName), slog.String("url", label.URL()))

	runner := pipeline.NewRunner(cfg.DrugName, label, resolver, backend.Collection(cfg.DrugName),
		pipeline.WithLocker(locker),
		pipeline.WithLogger(log),
	)
	res := runner.Run(ctx)
	report(log, res)
	return exitCode(res)
}

func report(log *slog.Logger, res pipeline.Result) {
	for _, m := range res.Mappings {
		log.Info("mapping",
			slog.Int("position", m.Position),
			slog.String("indication", m.Indication),
			slog.String("icd10_code", m.Code()),
		)
	}
	log.Info("run result",
		slog.String("run_id", res.RunID),
		slog.String("outcome", string(res.Outcome)),
		slog.String("reason", string(res.Reason)),
		slog.Int("inserted", res.Inserted),
	)
}

// exitCode is non-zero only for failed runs; an aborted run is not an error.
func exitCode(res pipeline.Result) int {
	if res.Outcome == pipeline.OutcomeFailed {
		return 1
	}
	return 0
}
