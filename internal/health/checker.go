// Package health runs a periodic liveness probe against every configured
// backend and feeds its verdicts into internal/backend.Registry, so
// CONNECT_SERVER's selection policy never routes a new connection at a
// backend the prober has already caught failing.
package health

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/sqlmediator/sqlmediator/internal/backend"
	"github.com/sqlmediator/sqlmediator/internal/config"
	"github.com/sqlmediator/sqlmediator/internal/metrics"
	"github.com/sqlmediator/sqlmediator/internal/wire"
)

const maxWorkers = 10

// Checker periodically probes every backend in the registry and records
// consecutive failures before flipping its state, so one dropped packet
// doesn't yank a backend out of rotation.
type Checker struct {
	mu        sync.Mutex
	failures  map[int]int
	registry  *backend.Registry
	metrics   *metrics.Collector
	interval  time.Duration
	threshold int
	connTO    time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewChecker builds a Checker over reg, recording results via m.
func NewChecker(reg *backend.Registry, m *metrics.Collector, hc config.HealthCheckConfig) *Checker {
	return &Checker{
		failures:  make(map[int]int),
		registry:  reg,
		metrics:   m,
		interval:  hc.Interval,
		threshold: hc.FailureThreshold,
		connTO:    hc.ConnectionTimeout,
		stopCh:    make(chan struct{}),
	}
}

// Start runs an initial check synchronously, then keeps probing on a
// ticker until Stop is called.
func (c *Checker) Start() {
	c.checkAll()
	c.wg.Add(1)
	go c.run()
}

func (c *Checker) run() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.checkAll()
		case <-c.stopCh:
			return
		}
	}
}

// Stop halts the probe loop and waits for the in-flight tick to finish.
func (c *Checker) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// checkAll probes every backend concurrently, bounded by maxWorkers — the
// registry is typically small, but a hung dial to one dead backend must
// never stall probes of the others.
func (c *Checker) checkAll() {
	backends := c.registry.List()
	sem := make(chan struct{}, maxWorkers)
	var wg sync.WaitGroup

	for _, b := range backends {
		b := b
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			c.checkOne(b)
		}()
	}
	wg.Wait()
}

func (c *Checker) checkOne(b *backend.Backend) {
	start := time.Now()
	err := pingMySQL(b.Address, c.connTO)
	d := time.Since(start)

	if c.metrics != nil {
		c.metrics.HealthCheckCompleted(b.Address, d, err == nil)
		if err != nil {
			c.metrics.HealthCheckError(b.Address, classifyErr(err))
		}
	}

	c.mu.Lock()
	if err != nil {
		c.failures[b.Index]++
		failed := c.failures[b.Index]
		c.mu.Unlock()
		if failed >= c.threshold && b.State != backend.StateDown {
			slog.Warn("health: backend down", "address", b.Address, "consecutive_failures", failed, "err", err)
			c.registry.SetState(b.Index, backend.StateDown)
			if c.metrics != nil {
				c.metrics.SetBackendUp(b.Address, b.Role.String(), false)
			}
		}
		return
	}
	c.failures[b.Index] = 0
	c.mu.Unlock()

	if b.State != backend.StateUp {
		slog.Info("health: backend up", "address", b.Address)
	}
	c.registry.SetState(b.Index, backend.StateUp)
	if c.metrics != nil {
		c.metrics.SetBackendUp(b.Address, b.Role.String(), true)
	}
}

// pingMySQL dials addr and reads just enough of Protocol::HandshakeV10 to
// confirm the server is alive and not immediately erroring: a connect
// refused, a read timeout, or an ERR packet in the header slot all count
// as down. It never completes a handshake — no auth, no QUIT — so a
// failed probe never leaves a half-open session on the backend.
func pingMySQL(addr string, timeout time.Duration) error {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(timeout))

	payload, _, err := wire.ReadPacket(conn)
	if err != nil {
		return fmt.Errorf("reading handshake: %w", err)
	}
	if len(payload) == 0 {
		return fmt.Errorf("empty handshake payload")
	}
	if payload[0] == wire.ErrHeader {
		if e, ok := wire.DecodeErr(payload); ok {
			return fmt.Errorf("server rejected connection: %s", e.Message)
		}
		return fmt.Errorf("server rejected connection")
	}
	return nil
}

func classifyErr(err error) string {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return "timeout"
	}
	return "connect_error"
}
