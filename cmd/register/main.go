package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dunamismax/risklens/internal/config"
	"github.com/dunamismax/risklens/internal/logging"
	"github.com/dunamismax/risklens/internal/payment"
	"github.com/sirupsen/logrus"
)

type options struct {
	agentURL  string
	skipCheck bool
	timeout   time.Duration
}

func main() {
	cfg, err := config.Parse()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	logger := logging.New("register", cfg.Log.Level, cfg.Log.Format)

	var opts options
	flag.StringVar(&opts.agentURL, "agent-url", cfg.Payment.AgentURL, "public URL of the agent (defaults to AGENT_URL)")
	flag.BoolVar(&opts.skipCheck, "skip-check", false, "register without checking the agent's /availability first")
	flag.DurationVar(&opts.timeout, "timeout", time.Minute, "overall deadline")
	flag.Parse()

	if err := run(cfg, opts, logger); err != nil {
		logger.WithError(err).Fatal("registration failed")
	}
}

func run(cfg config.Config, opts options, logger *logrus.Entry) error {
	if strings.TrimSpace(cfg.Payment.ServiceURL) == "" {
		return errors.New("PAYMENT_SERVICE_URL is required")
	}
	if strings.TrimSpace(cfg.Payment.AgentIdentifier) == "" {
		return errors.New("AGENT_IDENTIFIER is required")
	}
	if strings.TrimSpace(opts.agentURL) == "" {
		return errors.New("AGENT_URL or -agent-url is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	log := logger.WithFields(logrus.Fields{
		"agent_identifier": cfg.Payment.AgentIdentifier,
		"agent_url":        opts.agentURL,
		"network":          cfg.Payment.Network,
	})

	if !opts.skipCheck {
		if err := checkAvailability(ctx, &http.Client{Timeout: 10 * time.Second}, opts.agentURL); err != nil {
			return fmt.Errorf("agent is not reachable, start it first or pass -skip-check: %w", err)
		}
		log.Info("agent is available")
	}

	client, err := payment.NewClient(payment.Config{
		BaseURL:         cfg.Payment.ServiceURL,
		APIKey:          cfg.Payment.APIKey,
		AgentIdentifier: cfg.Payment.AgentIdentifier,
		Network:         cfg.Payment.Network,
		Timeout:         cfg.Payment.Timeout,
	}, logger.WithField("component", "payment"))
	if err != nil {
		return err
	}

	outcome, err := client.RegisterAgent(ctx, payment.Agent{
		URL:        opts.agentURL,
		SellerVKey: cfg.Payment.SellerVKey,
	})
	if err != nil {
		return err
	}
	log.WithField("outcome", outcome).Info("agent registration complete")
	return nil
}

// checkAvailability expects the agent's /availability endpoint to answer 200
// with status "available".
func checkAvailability(ctx context.Context, client *http.Client, agentURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(agentURL, "/")+"/availability", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("availability returned status=%d", resp.StatusCode)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return fmt.Errorf("decode availability: %w", err)
	}
	if body.Status != "available" {
		return fmt.Errorf("agent reports status %q", body.Status)
	}
	return nil
}
