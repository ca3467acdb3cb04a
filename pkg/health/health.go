package health

import (
	"context"
	"sync"
	"time"

	"github.com/ctrlnet/segmentd/pkg/executor"
	"github.com/ctrlnet/segmentd/pkg/ipam"
	"github.com/ctrlnet/segmentd/pkg/log"
	"github.com/ctrlnet/segmentd/pkg/metrics"
)

// Result represents the outcome of a reachability probe
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Config contains probe configuration
type Config struct {
	// Interval is the time between probes
	Interval time.Duration

	// Retries is the number of consecutive failures before marking unreachable
	Retries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval: 30 * time.Second,
		Retries:  3,
	}
}

// Status tracks the current reachability of the backing system
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result
	Healthy              bool
}

func (s *Status) update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
	} else {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
		if s.ConsecutiveFailures >= config.Retries {
			s.Healthy = false
		}
	}
}

// Monitor probes the backing IPAM system on an interval. Probes go through
// the read pool so they compete for the same connection budget as real
// traffic and surface the same timeout classification.
type Monitor struct {
	client ipam.Client
	exec   *executor.Partition
	config Config

	mu     sync.RWMutex
	status Status

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor creates a monitor. The status starts healthy until a probe
// proves otherwise.
func NewMonitor(client ipam.Client, exec *executor.Partition, config Config) *Monitor {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.Retries <= 0 {
		config.Retries = DefaultConfig().Retries
	}
	return &Monitor{
		client: client,
		exec:   exec,
		config: config,
		status: Status{Healthy: true},
		stopCh: make(chan struct{}),
	}
}

// Start begins the probe loop. An immediate probe runs before the first tick.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop stops the probe loop and waits for it to exit
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// Check runs a single probe and records the result
func (m *Monitor) Check(ctx context.Context) Result {
	start := time.Now()

	_, err := m.exec.SubmitRead(ctx, "ping", func(ctx context.Context) (interface{}, error) {
		return nil, m.client.Ping(ctx)
	})

	result := Result{
		Healthy:   err == nil,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Message = err.Error()
	}

	m.record(result)
	return result
}

// Status returns a copy of the current status
func (m *Monitor) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Healthy reports whether the backing system is currently reachable
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status.Healthy
}

func (m *Monitor) record(result Result) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wasHealthy := m.status.Healthy
	m.status.update(result, m.config)

	if m.status.Healthy {
		metrics.IPAMReachable.Set(1)
	} else {
		metrics.IPAMReachable.Set(0)
	}

	logger := log.WithComponent("health")
	if wasHealthy && !m.status.Healthy {
		logger.Error().
			Str("message", result.Message).
			Int("consecutive_failures", m.status.ConsecutiveFailures).
			Msg("IPAM backend unreachable")
	} else if !wasHealthy && m.status.Healthy {
		logger.Info().
			Dur("duration", result.Duration).
			Msg("IPAM backend reachable again")
	}
}

func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	ctx := context.Background()
	m.Check(ctx)

	for {
		select {
		case <-ticker.C:
			m.Check(ctx)
		case <-m.stopCh:
			return
		}
	}
}
