// Package listener runs the two TCP accept loops sqlmediator exposes — the
// proxy listener (clients routed to a selected backend) and the master
// listener (a built-in-only control connection, no backend) — and owns the
// idle-pool reaper ticker and graceful shutdown draining. Mirrors the
// teacher's internal/proxy.Server, generalized from a two-protocol
// (Postgres/MySQL) accept loop to a two-personality (proxy/master) one.
package listener

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/sqlmediator/sqlmediator/internal/backend"
	"github.com/sqlmediator/sqlmediator/internal/config"
	"github.com/sqlmediator/sqlmediator/internal/driver"
	"github.com/sqlmediator/sqlmediator/internal/endpoint"
	"github.com/sqlmediator/sqlmediator/internal/metrics"
	"github.com/sqlmediator/sqlmediator/internal/pool"
	"github.com/sqlmediator/sqlmediator/internal/script"
	"github.com/sqlmediator/sqlmediator/internal/session"
)

// HostFactory builds the script.Host a new connection should consult at
// each decision point. Called once per accepted connection so a script
// reload only affects connections established afterward, never one
// already mid-session.
type HostFactory func() script.Host

// Listener owns the proxy and master accept loops over a shared Driver,
// plus the pool's periodic idle reaper.
type Listener struct {
	driver   *driver.Driver
	registry *backend.Registry
	pool     *pool.Pool
	metrics  *metrics.Collector
	hosts    HostFactory

	fixBug25371    bool
	poolChangeUser bool
	masterUser     string
	masterPassword string

	reapInterval time.Duration

	proxyLn  net.Listener
	masterLn net.Listener

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds a Listener. hosts is consulted once per accepted connection to
// obtain the script.Host it should run against (nil is valid: the driver
// treats a nil Host as NoDecision everywhere).
func New(d *driver.Driver, reg *backend.Registry, p *pool.Pool, m *metrics.Collector, cfg *config.Config, hosts HostFactory) *Listener {
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		driver:         d,
		registry:       reg,
		pool:           p,
		metrics:        m,
		hosts:          hosts,
		fixBug25371:    cfg.FixBug25371,
		poolChangeUser: cfg.PoolChangeUser,
		masterUser:     cfg.Master.Username,
		masterPassword: cfg.Master.Password,
		reapInterval:   cfg.Pool.IdleTimeout / 2,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// ListenProxy starts the client-facing proxy accept loop on addr.
func (l *Listener) ListenProxy(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listener: proxy listen on %s: %w", addr, err)
	}
	l.proxyLn = ln
	slog.Info("listener: proxy accepting", "addr", addr)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.acceptLoop(ln, session.Proxy)
	}()
	return nil
}

// ListenMaster starts the built-in-only master accept loop on addr.
func (l *Listener) ListenMaster(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listener: master listen on %s: %w", addr, err)
	}
	l.masterLn = ln
	slog.Info("listener: master accepting", "addr", addr)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.acceptLoop(ln, session.Master)
	}()
	return nil
}

// ProxyAddr returns the actual address the proxy listener bound to, once
// ListenProxy has succeeded.
func (l *Listener) ProxyAddr() net.Addr {
	if l.proxyLn == nil {
		return nil
	}
	return l.proxyLn.Addr()
}

// MasterAddr returns the actual address the master listener bound to, once
// ListenMaster has succeeded.
func (l *Listener) MasterAddr() net.Addr {
	if l.masterLn == nil {
		return nil
	}
	return l.masterLn.Addr()
}

// StartReaper runs the pool's idle-endpoint reaper on a ticker until Stop,
// the goroutine-owning counterpart to internal/pool.Pool.ReapAll.
func (l *Listener) StartReaper() {
	if l.reapInterval <= 0 {
		l.reapInterval = 30 * time.Second
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.pool.ReapAll()
			case <-l.ctx.Done():
				return
			}
		}
	}()
}

func (l *Listener) acceptLoop(ln net.Listener, personality session.Personality) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-l.ctx.Done():
				return
			default:
				slog.Warn("listener: accept error", "personality", personality, "err", err)
				continue
			}
		}

		if l.metrics != nil {
			l.metrics.ConnectionAccepted(personalityLabel(personality))
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(conn, personality)
		}()
	}
}

func (l *Listener) handle(conn net.Conn, personality session.Personality) {
	var host script.Host
	if l.hosts != nil {
		host = l.hosts()
	}

	clientEp := endpoint.New(conn)
	sess := session.New(personality, clientEp, l.registry, l.pool, host)
	sess.FixBug25371 = l.fixBug25371
	sess.PoolChangeUser = l.poolChangeUser
	if personality == session.Master {
		sess.MasterUser = l.masterUser
		sess.MasterPassword = l.masterPassword
	}

	l.driver.Run(l.ctx, sess)
}

// Shutdown stops accepting new connections and waits (bounded by timeout)
// for in-flight connections to reach a terminal state, per spec.md's
// supplemented graceful-drain behavior.
func (l *Listener) Shutdown(timeout time.Duration) {
	l.cancel()

	if l.proxyLn != nil {
		l.proxyLn.Close()
	}
	if l.masterLn != nil {
		l.masterLn.Close()
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("listener: shutdown timed out waiting for in-flight connections", "timeout", timeout)
	}

	l.pool.Close()
}

func personalityLabel(p session.Personality) string {
	if p == session.Master {
		return "master"
	}
	return "proxy"
}
