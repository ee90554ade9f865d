package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Constants for worker configuration
const (
	DefaultPollInterval = 30 * time.Second
	ReconcileTimeout    = 30 * time.Second
)

// Manager runs the background reconciler that settles submissions whose
// confirmation wait timed out while the outcome was still unknown.
type Manager struct {
	reconciler *Reconciler
	logger     *zap.Logger

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a worker manager with all required dependencies
func NewManager(source SubmissionSource, oracle OracleProbe, pollInterval time.Duration, logger *zap.Logger) *Manager {
	logger = logger.Named("worker")

	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
	m.reconciler = NewReconciler(source, oracle, pollInterval, logger)

	return m
}

// Start starts the reconciler goroutine
func (m *Manager) Start() {
	m.logger.Info("Starting worker manager",
		zap.Duration("poll_interval", m.reconciler.interval))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.reconciler.Run(m.ctx)
	}()

	m.logger.Info("Worker manager started")
}

// Shutdown gracefully stops the reconciler
func (m *Manager) Shutdown(timeout time.Duration) error {
	m.logger.Info("Shutting down worker manager")

	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("Workers stopped gracefully")
	case <-time.After(timeout):
		m.logger.Warn("Worker shutdown timed out")
	}

	m.logger.Info("Worker manager shutdown complete")
	return nil
}
