package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/joelkehle/trialmatch/internal/batch"
	"github.com/joelkehle/trialmatch/internal/cda"
	"github.com/joelkehle/trialmatch/internal/config"
	"github.com/joelkehle/trialmatch/internal/eligibility"
	"github.com/joelkehle/trialmatch/internal/llm"
	"github.com/joelkehle/trialmatch/internal/report"
	"github.com/joelkehle/trialmatch/internal/runlog"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to trialmatch.yaml (default: search ., ./config, /etc/trialmatch)")
		patients   = flag.String("patients", "", "directory of patient documents (.xml) or records (.json)")
		trialsDir  = flag.String("trials", "", "directory of <trialId>_criteria.txt files")
		output     = flag.String("output", "", "directory for <patientId>_eligibility.json files")
		processed  = flag.String("processed", "", "directory for preprocessed <patientId>_data.json records")
		preprocess = flag.Bool("preprocess", false, "extract patient documents into processed records")
		match      = flag.Bool("match", false, "evaluate patients against trials")
		workers    = flag.Int("workers", 0, "patients evaluated in parallel (overrides batch.workers)")
		html       = flag.Bool("html", false, "also render <patientId>_eligibility.html reports")
		showRun    = flag.String("show-run", "", "print a recorded run from the run ledger and exit")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	override(&cfg.Dirs.Patients, *patients)
	override(&cfg.Dirs.Trials, *trialsDir)
	override(&cfg.Dirs.Output, *output)
	override(&cfg.Dirs.Processed, *processed)
	if *workers > 0 {
		cfg.Batch.Workers = *workers
	}
	if *html {
		cfg.Report.HTML = true
	}
	if !*preprocess && !*match {
		*preprocess, *match = true, true
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		log.Fatal(err)
	}

	if *showRun != "" {
		if err := printRun(context.Background(), cfg.RunLog.Path, *showRun, os.Stdout); err != nil {
			log.Fatal(err)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Tracing.Enabled {
		shutdown, err := setupTracing(ctx)
		if err != nil {
			logger.WithError(err).Fatal("tracing setup failed")
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			if err := shutdown(sctx); err != nil {
				logger.WithError(err).Warn("tracing shutdown failed")
			}
		}()
	}

	if err := run(ctx, cfg, *preprocess, *match, logger, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("trial-match failed")
		os.Exit(1)
	}
}

// newGenerator builds the service client the match stage talks to.
var newGenerator = func(cfg *config.Config) (llm.TextGenerator, error) {
	return llm.NewAnthropicCallerFromEnv(cfg.LLM.Model, cfg.LLM.MaxTokens)
}

func run(ctx context.Context, cfg *config.Config, preprocess, match bool, logger *logrus.Logger, out io.Writer) error {
	extractor := cda.NewExtractor(cda.Options{StrictColumns: cfg.Extract.StrictColumns, Logger: logger})
	bcfg := batch.Config{
		PatientsDir:  cfg.Dirs.Patients,
		TrialsDir:    cfg.Dirs.Trials,
		ProcessedDir: cfg.Dirs.Processed,
		Workers:      cfg.Batch.Workers,
		FailFast:     cfg.Batch.FailFast,
	}

	if preprocess {
		pre, err := batch.NewRunner(bcfg, batch.Deps{Extractor: extractor, Logger: logger}).Preprocess(ctx)
		if err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{"written": len(pre.Written), "failed": len(pre.Failures)}).Info("preprocess finished")
		// A patients directory of records rather than documents has
		// nothing to preprocess and is matched in place.
		if len(pre.Written) > 0 {
			bcfg.PatientsDir = cfg.Dirs.Processed
		}
	}
	if !match {
		return nil
	}
	logger.WithField("patients_dir", bcfg.PatientsDir).Info("matching patients")

	format, err := eligibility.ParseResponseFormat(cfg.LLM.ResponseFormat)
	if err != nil {
		return err
	}
	caller, err := newGenerator(cfg)
	if err != nil {
		return err
	}
	gen := llm.NewGuard(caller, llm.GuardConfig{
		MaxAttempts:        cfg.LLM.MaxAttempts,
		Timeout:            cfg.LLM.Timeout,
		RatePerMinute:      cfg.LLM.RatePerMinute,
		BreakerMaxFailures: cfg.Breaker.MaxFailures,
		BreakerOpenTimeout: cfg.Breaker.OpenTimeout,
	}, logger)
	keywords, err := eligibility.NewKeywordIdentifier(gen, cfg.Cache.KeywordEntries, logger)
	if err != nil {
		return err
	}
	store := eligibility.NewFileStore(cfg.Dirs.Output)
	deps := batch.Deps{
		Extractor: extractor,
		Keywords:  keywords,
		Evaluator: eligibility.NewClassifier(gen, format, logger),
		Store:     store,
		Logger:    logger,
	}
	if cfg.RunLog.Path != "" {
		ledger, err := runlog.Open(cfg.RunLog.Path)
		if err != nil {
			return err
		}
		defer ledger.Close()
		deps.Recorder = ledger
	}

	rep, runErr := batch.NewRunner(bcfg, deps).Run(ctx)
	fmt.Fprint(out, rep.Summary())

	if cfg.Report.HTML {
		if err := writeReports(store, cfg.Dirs.Output, logger); err != nil {
			return err
		}
	}
	return runErr
}

// writeReports renders every result file in the output directory. Result
// files accumulate across runs, so each report covers all of them.
func writeReports(store *eligibility.FileStore, dir string, logger *logrus.Logger) error {
	ids, err := store.Patients()
	if err != nil {
		return err
	}
	for _, id := range ids {
		file, err := store.Load(id)
		if err != nil {
			return err
		}
		path, err := report.WriteHTML(dir, id, file)
		if err != nil {
			return err
		}
		logger.WithFields(logrus.Fields{"patient_id": id, "path": path}).Info("report written")
	}
	return nil
}

func printRun(ctx context.Context, dbPath, runID string, out io.Writer) error {
	if dbPath == "" {
		return errors.New("runlog.path is not configured")
	}
	ledger, err := runlog.Open(dbPath)
	if err != nil {
		return err
	}
	defer ledger.Close()

	rec, err := ledger.Run(ctx, runID)
	if err != nil {
		return err
	}
	units, err := ledger.Units(ctx, runID)
	if err != nil {
		return err
	}
	failures, err := ledger.Failures(ctx, runID)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "run %s %s: started %s finished %s\n", rec.RunID, rec.Status, rec.StartedAt, rec.FinishedAt)
	fmt.Fprintf(out, "  %d patients x %d trials, %d units recorded, %d eligible, %d failed\n",
		rec.Patients, rec.Trials, len(units), rec.Eligible, len(failures))
	for _, f := range failures {
		target := f.PatientID
		if f.TrialID != "" {
			target += "/" + f.TrialID
		}
		fmt.Fprintf(out, "  %s [%s]: %s\n", target, f.FailureKind, f.Error)
	}
	return nil
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setupTracing(ctx context.Context) (func(context.Context) error, error) {
	exp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", "trial-match"))),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
