// Package monitor runs one background payment watch per job. A watch polls
// the provider until the payment is confirmed, the watch is canceled, or its
// deadline passes, and exactly one of those outcomes takes effect.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dunamismax/risklens/internal/payment"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

var (
	ErrAlreadyWatching = errors.New("payment watch already active")
	ErrWatchTimeout    = errors.New("payment confirmation timed out")
	ErrClosed          = errors.New("payment monitor is closed")
)

type StatusPoller interface {
	PollStatus(ctx context.Context, reference string) (string, error)
}

// ConfirmFunc receives the payment reference once the payment settled.
type ConfirmFunc func(paymentReference string)

// ExpireFunc receives an error wrapping ErrWatchTimeout.
type ExpireFunc func(err error)

type Config struct {
	PollInterval   time.Duration
	MaxWait        time.Duration
	OnErrorBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 60 * time.Second
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 24 * time.Hour
	}
	if c.OnErrorBackoff <= 0 {
		c.OnErrorBackoff = c.PollInterval
	}
	return c
}

type Monitor struct {
	logger  logrus.FieldLogger
	poller  StatusPoller
	cfg     Config
	metrics *metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	watches map[string]*watch
}

type watch struct {
	jobID     string
	reference string
	// token holds a single value; whoever receives it decides the outcome
	// of the watch (confirm, cancel or expire).
	token  chan struct{}
	cancel context.CancelFunc
}

func (w *watch) claim() bool {
	select {
	case <-w.token:
		return true
	default:
		return false
	}
}

// New builds a Monitor. reg may be nil, in which case metrics are kept on a
// private registry.
func New(logger logrus.FieldLogger, poller StatusPoller, cfg Config, reg prometheus.Registerer) *Monitor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		logger:  logger,
		poller:  poller,
		cfg:     cfg.withDefaults(),
		metrics: newMetrics(reg),
		ctx:     ctx,
		cancel:  cancel,
		watches: make(map[string]*watch),
	}
}

// Watch starts polling reference in the background. Exactly one of
// onConfirmed or onExpired is invoked, and neither is invoked if the watch is
// canceled first.
func (m *Monitor) Watch(jobID, reference string, onConfirmed ConfirmFunc, onExpired ExpireFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, exists := m.watches[jobID]; exists {
		return fmt.Errorf("%w: job %s", ErrAlreadyWatching, jobID)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	w := &watch{
		jobID:     jobID,
		reference: reference,
		token:     make(chan struct{}, 1),
		cancel:    cancel,
	}
	w.token <- struct{}{}
	m.watches[jobID] = w
	m.metrics.active.Inc()

	m.wg.Add(1)
	go m.run(ctx, w, onConfirmed, onExpired)

	m.logger.WithFields(logrus.Fields{
		"job_id":            jobID,
		"payment_reference": reference,
	}).Info("payment watch started")
	return nil
}

// Cancel stops the watch for jobID. It is a no-op when no watch exists or the
// watch has already fired.
func (m *Monitor) Cancel(jobID string) {
	m.mu.Lock()
	w, ok := m.watches[jobID]
	m.mu.Unlock()
	if !ok {
		return
	}

	if !w.claim() {
		return
	}
	m.release(w)
	m.metrics.outcomes.WithLabelValues("canceled").Inc()
	m.logger.WithField("job_id", jobID).Info("payment watch canceled")
}

func (m *Monitor) Watching(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watches[jobID]
	return ok
}

func (m *Monitor) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watches)
}

// Close cancels every watch and waits for the polling goroutines to exit.
// Callbacks already running are allowed to finish.
func (m *Monitor) Close() {
	m.mu.Lock()
	m.closed = true
	watches := make([]*watch, 0, len(m.watches))
	for _, w := range m.watches {
		watches = append(watches, w)
	}
	m.mu.Unlock()

	for _, w := range watches {
		if w.claim() {
			m.release(w)
		}
	}
	m.cancel()
	m.wg.Wait()
}

func (m *Monitor) release(w *watch) {
	w.cancel()
	m.mu.Lock()
	if current, ok := m.watches[w.jobID]; ok && current == w {
		delete(m.watches, w.jobID)
		m.metrics.active.Dec()
	}
	m.mu.Unlock()
}

func (m *Monitor) run(ctx context.Context, w *watch, onConfirmed ConfirmFunc, onExpired ExpireFunc) {
	defer m.wg.Done()

	log := m.logger.WithFields(logrus.Fields{
		"job_id":            w.jobID,
		"payment_reference": w.reference,
	})

	pollCtx, stop := context.WithTimeout(ctx, m.cfg.MaxWait)
	defer stop()

	for {
		status, err := m.poller.PollStatus(pollCtx, w.reference)
		delay := m.cfg.PollInterval
		switch {
		case err == nil && payment.IsConfirmed(status):
			if w.claim() {
				m.release(w)
				m.metrics.outcomes.WithLabelValues("confirmed").Inc()
				log.WithField("payment_status", status).Info("payment confirmed")
				onConfirmed(w.reference)
			}
			return
		case pollCtx.Err() != nil:
			// Deadline or cancellation; handled below.
		case err != nil:
			m.metrics.pollErrors.Inc()
			log.WithError(err).Warn("payment status poll failed")
			delay = m.cfg.OnErrorBackoff
		default:
			log.WithField("payment_status", status).Debug("payment not confirmed yet")
		}

		timer := time.NewTimer(delay)
		select {
		case <-pollCtx.Done():
			timer.Stop()
			if ctx.Err() != nil {
				return
			}
			if w.claim() {
				m.release(w)
				m.metrics.outcomes.WithLabelValues("expired").Inc()
				log.WithField("max_wait", m.cfg.MaxWait).Warn("payment watch expired")
				if onExpired != nil {
					onExpired(fmt.Errorf("%w: no confirmation within %s", ErrWatchTimeout, m.cfg.MaxWait))
				}
			}
			return
		case <-timer.C:
		}
	}
}
