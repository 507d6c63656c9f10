package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/maxogod/secure-upload/src/common/crypto"
	"github.com/maxogod/secure-upload/src/common/heartbeat"
	"github.com/maxogod/secure-upload/src/common/logger"
	commonNetwork "github.com/maxogod/secure-upload/src/common/network"
	"github.com/maxogod/secure-upload/src/server/config"
	"github.com/maxogod/secure-upload/src/server/internal/handler"
	"github.com/maxogod/secure-upload/src/server/internal/healthcheck"
	"github.com/maxogod/secure-upload/src/server/internal/network"
	"github.com/maxogod/secure-upload/src/server/internal/notifier"
	"github.com/maxogod/secure-upload/src/server/internal/sessions/manager"
	"github.com/maxogod/secure-upload/src/server/internal/storage"
)

const shutdownTimeout = 5 * time.Second

type Server struct {
	config            *config.Config
	running           atomic.Bool
	connectionManager network.ConnectionManager
	clientManager     manager.ClientManager
	requestHandler    handler.RequestHandler
	notifier          notifier.Notifier
	pingServer        healthcheck.PingServer // nil when health.port is 0
	heartbeatSender   heartbeat.HeartBeatSender

	connMu       sync.Mutex // orders wg.Add against shutdown
	connections  sync.Map   // connection id -> network.ConnectionHandler
	active       atomic.Int64
	wg           sync.WaitGroup
	stopReaper   chan struct{}
	shutdownOnce sync.Once
}

func NewServer(conf *config.Config) (*Server, error) {
	checksum, err := crypto.NewChecksum(conf.ChecksumAlgorithm)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewClientStore(conf.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open client store: %w", err)
	}

	clientManager := manager.NewClientManager(store)
	uploadNotifier := notifier.NewNotifier(conf.MiddlewareAddress)

	s := &Server{
		config:            conf,
		connectionManager: network.NewConnectionManager(conf.Host, conf.Port),
		clientManager:     clientManager,
		notifier:          uploadNotifier,
		requestHandler: handler.NewRequestHandler(
			clientManager,
			storage.NewFileStorage(conf.StoragePath),
			store,
			uploadNotifier,
			checksum,
		),
		stopReaper: make(chan struct{}),
	}
	if conf.HealthCheckPort > 0 {
		s.pingServer = healthcheck.NewPingServer(conf.HealthCheckPort, clientManager)
	}
	if conf.Heartbeat.Host != "" {
		s.heartbeatSender = heartbeat.NewHeartBeatSender(conf.Heartbeat.Host, conf.Heartbeat.Port, conf.Heartbeat.Interval, s.status)
	}
	s.running.Store(true)

	return s, nil
}

// Run starts the server and serves until a shutdown signal arrives.
func (s *Server) Run() error {
	s.setupGracefulShutdown()
	defer s.Shutdown()

	if err := s.Start(); err != nil {
		return err
	}
	s.Serve()
	return nil
}

// Start restores the registry, binds the listener and starts the side services.
func (s *Server) Start() error {
	restored, err := s.clientManager.Restore(context.Background())
	if err != nil {
		return err
	}
	logger.Logger.Infof("action: restore_clients | count: %d | result: success", restored)

	if err = s.connectionManager.StartListening(); err != nil {
		logger.Logger.Errorf("Failed to start listening: %v", err)
		return err
	}
	logger.Logger.Infof("action: listen | address: %s | result: success", s.connectionManager.Addr())

	if s.pingServer != nil {
		go s.pingServer.Run() // Start health check server
	}
	if s.heartbeatSender != nil {
		if err = s.heartbeatSender.Start(); err != nil {
			logger.Logger.Errorf("action: start_heartbeat_sender | result: failed | error: %s", err.Error())
		}
	}
	if s.config.Uploads.IdleTimeout > 0 && s.config.Uploads.ReapInterval > 0 {
		go s.reapStaleUploads()
	}
	return nil
}

// Serve accepts connections until the listener is closed. Each connection
// gets its own routine.
func (s *Server) Serve() {
	for s.running.Load() {
		clientConnection, connErr := s.connectionManager.AcceptConnection()
		if connErr != nil {
			if !s.running.Load() {
				logger.Logger.Infof("action: shutdown_signal | result: closing listener")
				break
			}
			logger.Logger.Errorf("Failed to accept connection: %v", connErr)
			continue
		}

		id := uuid.NewString()
		connectionHandler := network.NewConnectionHandler(id, clientConnection, s.requestHandler, s.config.IdleTimeout, s.config.MaxPayload)

		s.connMu.Lock()
		if !s.running.Load() {
			s.connMu.Unlock()
			connectionHandler.Close()
			break
		}
		s.connections.Store(id, connectionHandler)
		s.active.Add(1)
		s.wg.Add(1)
		s.connMu.Unlock()

		go func(conn commonNetwork.ConnectionInterface) {
			defer s.wg.Done()
			defer s.active.Add(-1)
			defer s.connections.Delete(id)

			logger.Logger.Infof("[%s] action: accept | peer: %s | result: success", id, conn.RemoteAddr())
			if err := connectionHandler.Serve(); err != nil {
				logger.Logger.Warnf("[%s] action: serve_connection | result: closed | error: %v", id, err)
			}
		}(clientConnection)
	}
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	return s.connectionManager.Addr()
}

func (s *Server) setupGracefulShutdown() {
	sigChannel := make(chan os.Signal, 1)
	signal.Notify(sigChannel, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		<-sigChannel
		logger.Logger.Infof("action: shutdown_signal | result: received")
		s.Shutdown()
	}()
}

func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		s.connMu.Lock()
		s.running.Store(false)
		s.connMu.Unlock()

		close(s.stopReaper)
		if err := s.connectionManager.Close(); err != nil {
			logger.Logger.Errorf("Failed to close listener: %v", err)
		}

		s.connections.Range(func(key, value any) bool {
			value.(network.ConnectionHandler).Close()
			return true
		})
		s.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if s.pingServer != nil {
			s.pingServer.Shutdown(ctx)
		}
		if s.heartbeatSender != nil {
			s.heartbeatSender.Close()
		}

		s.notifier.Close()
		s.clientManager.Close()
		logger.Logger.Infof("action: shutdown | result: success")
	})
}

/* --- PRIVATE METHODS --- */

// status is what the heartbeat reports about this server.
func (s *Server) status() heartbeat.Status {
	return heartbeat.Status{
		Clients:     s.clientManager.Count(),
		Connections: int(s.active.Load()),
	}
}

func (s *Server) reapStaleUploads() {
	ticker := time.NewTicker(s.config.Uploads.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopReaper:
			return
		case <-ticker.C:
			if n := s.clientManager.ReapStaleUploads(s.config.Uploads.IdleTimeout); n > 0 {
				logger.Logger.Infof("action: reap_stale_uploads | count: %d | result: success", n)
			}
		}
	}
}
