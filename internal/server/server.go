// Package server implements the TLS connection acceptor.
//
// Concurrency overview
// --------------------
//
//  ┌─────────────────────────────────────────────────────────┐
//  │  Acceptor goroutine                                      │
//  │  Accepts TLS connections; spawns a Client task per conn  │
//  │  with shared Manager/Persistence handles.                │
//  └───────────────────┬─────────────────────────────────────┘
//                      │  inbox channels
//                      ▼
//  ┌─────────────────────────────────────────────────────────┐
//  │  Manager goroutine                                       │
//  │  Owns the online-clients map; brokers room/direct comms. │
//  └─────────────────────────────────────────────────────────┘
//
//  ┌─────────────────────────────────────────────────────────┐
//  │  Persistence goroutine                                   │
//  │  Sole owner of the Store; serializes all disk access.    │
//  └─────────────────────────────────────────────────────────┘
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/spitfire4040/chatcore/internal/client"
	"github.com/spitfire4040/chatcore/internal/config"
	"github.com/spitfire4040/chatcore/internal/manager"
	"github.com/spitfire4040/chatcore/internal/persistence"
)

// Acceptor ties together the Manager, Persistence, and the TLS listener
// that spawns a Client task per accepted connection.
type Acceptor struct {
	cfg     config.Config
	mgr     *manager.Manager
	persist *persistence.Persistence
	log     *zap.Logger

	mu       sync.RWMutex
	listener net.Listener

	wg sync.WaitGroup
}

// New wires a Manager and Persistence actor for the given store and
// configuration. It does not start them; call Run to bring the whole
// stack up and begin accepting connections.
func New(store persistence.Store, cfg config.Config, log *zap.Logger) *Acceptor {
	if log == nil {
		log = zap.NewNop()
	}
	persist := persistence.NewPersistence(store, cfg.Capacities.ClientPersistence, log)
	mgr := manager.NewManager(cfg.Capacities.ManagerClient, manager.Config{
		RoomCapacity: cfg.Capacities.Room,
		PublicRoomID: config.PublicRoomID,
	}, log)

	return &Acceptor{
		cfg:     cfg,
		mgr:     mgr,
		persist: persist,
		log:     log.Named("server"),
	}
}

// Listen loads the configured TLS certificate and binds the listener,
// without yet accepting connections. Exposed separately from Run so
// callers (and tests) can learn the bound address when cfg.Port is "0".
func (a *Acceptor) Listen() error {
	cert, err := tls.LoadX509KeyPair(a.cfg.TLSCertFile, a.cfg.TLSKeyFile)
	if err != nil {
		return fmt.Errorf("server: load TLS certificate: %w", err)
	}
	tlsCfg := &tls.Config{Certificates: []tls.Certificate{cert}}

	ln, err := tls.Listen("tcp", a.cfg.Addr(), tlsCfg)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", a.cfg.Addr(), err)
	}
	a.mu.Lock()
	a.listener = ln
	a.mu.Unlock()
	return nil
}

// Addr returns the bound listener's address. Call only after Listen (or
// Run) has succeeded.
func (a *Acceptor) Addr() net.Addr {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// Run starts the Manager and Persistence actors, binds a TLS listener
// (if Listen hasn't already been called), and accepts connections until
// ctx is cancelled or Shutdown is called.
func (a *Acceptor) Run(ctx context.Context) error {
	if a.Addr() == nil {
		if err := a.Listen(); err != nil {
			return err
		}
	}
	a.mu.RLock()
	ln := a.listener
	a.mu.RUnlock()
	a.log.Info("listening", zap.String("addr", ln.Addr().String()))

	go a.mgr.Run(ctx)
	go a.persist.Run(ctx)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				// Closed by Shutdown or by ctx cancellation.
				a.wg.Wait()
				return nil
			}
			select {
			case <-ctx.Done():
				a.wg.Wait()
				return nil
			default:
				a.log.Warn("accept error", zap.Error(err))
				continue
			}
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.serveConn(ctx, conn)
		}()
	}
}

// Shutdown stops accepting new connections. In-flight Client tasks are
// torn down by ctx cancellation in the caller's Run goroutine.
func (a *Acceptor) Shutdown() {
	a.mu.RLock()
	ln := a.listener
	a.mu.RUnlock()
	if ln != nil {
		ln.Close()
	}
}

func (a *Acceptor) serveConn(ctx context.Context, conn net.Conn) {
	c := client.New(conn, a.mgr, a.persist, a.cfg.Capacities, a.cfg.MaxFrameSize, a.log)
	c.Run(ctx)
}
