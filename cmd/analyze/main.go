package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dunamismax/risklens/internal/analysis"
	"github.com/dunamismax/risklens/internal/config"
	"github.com/dunamismax/risklens/internal/format"
	"github.com/dunamismax/risklens/internal/logging"
	"github.com/sirupsen/logrus"
)

type options struct {
	wallet  string
	raw     bool
	timeout time.Duration
}

func main() {
	cfg, err := config.Parse()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	logger := logging.New("analyze", cfg.Log.Level, cfg.Log.Format)

	var opts options
	flag.StringVar(&opts.wallet, "wallet", "", "wallet address to analyze")
	flag.BoolVar(&opts.raw, "json", false, "print the raw report as JSON instead of text")
	flag.DurationVar(&opts.timeout, "timeout", cfg.Analysis.Timeout, "analysis deadline")
	flag.Parse()

	if err := run(cfg, opts, os.Stdout, logger); err != nil {
		logger.WithError(err).Fatal("analysis failed")
	}
}

// run analyzes one wallet without payment and prints the report.
func run(cfg config.Config, opts options, out io.Writer, logger *logrus.Entry) error {
	wallet := strings.TrimSpace(opts.wallet)
	if wallet == "" {
		return errors.New("-wallet is required")
	}

	client, err := analysis.NewClient(analysis.Config{
		BaseURL:          cfg.Analysis.ServiceURL,
		APIKey:           cfg.Analysis.APIKey,
		Timeout:          opts.timeout,
		MaxResponseBytes: cfg.Analysis.MaxResponseBytes,
	}, logger.WithField("component", "analysis"))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	started := time.Now()
	logger.WithField("wallet", wallet).Info("running analysis")
	report, err := client.Run(ctx, map[string]string{"wallet_address": wallet})
	if err != nil {
		return err
	}
	logger.WithField("duration_ms", time.Since(started).Milliseconds()).Info("analysis finished")

	if opts.raw {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	_, err = fmt.Fprintln(out, format.Report(report))
	return err
}
