package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/joelkehle/trialmatch/internal/config"
	"github.com/joelkehle/trialmatch/internal/trials"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to trialmatch.yaml")
		links      = flag.String("links", "", "study links CSV exported from the registry (overrides scraper.links_csv)")
		outDir     = flag.String("out", "", "directory for <NCT>_criteria.txt files (overrides dirs.trials)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *links != "" {
		cfg.Scraper.LinksCSV = *links
	}
	if *outDir != "" {
		cfg.Dirs.Trials = *outDir
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		log.Fatal(err)
	}

	studies, err := trials.ReadStudyLinksFile(cfg.Scraper.LinksCSV)
	if err != nil {
		logger.WithError(err).Fatal("study links unreadable")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fetcher, err := trials.NewChromeFetcher(ctx, cfg.Scraper.Timeout)
	if err != nil {
		logger.WithError(err).Fatal("browser unavailable")
	}
	defer fetcher.Close()

	logger.WithFields(logrus.Fields{"studies": len(studies), "out": cfg.Dirs.Trials}).Info("scrape started")
	rep, err := trials.NewScraper(fetcher, cfg.Dirs.Trials, logger).Scrape(ctx, studies)
	logger.WithFields(logrus.Fields{"written": len(rep.Written), "failed": len(rep.Failures)}).Info("scrape finished")
	if err != nil && err != context.Canceled {
		logger.WithError(err).Error("scrape aborted")
		os.Exit(1)
	}
}
