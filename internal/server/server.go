package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tyrowin/presencehub/internal/broker"
	"github.com/Tyrowin/presencehub/internal/fanin"
)

// Server wires a hub to the external channel of a cluster of processes.
type Server struct {
	cfg    Config
	nodeID string
	log    *zap.Logger

	hub        *Hub
	broker     broker.Broker
	ownsBroker bool
	relay      *fanin.Relay

	startOnce sync.Once
	cancel    context.CancelFunc
	relayDone chan struct{}
}

// New applies cfg, opens the broker named by cfg.Broker.URL and builds the
// server. An empty URL builds a server in local mode.
func New(ctx context.Context, cfg *Config, log *zap.Logger) (*Server, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}

	b, err := broker.Open(ctx, cfg.Broker.URL, log)
	if err != nil {
		return nil, fmt.Errorf("open broker: %w", err)
	}

	s := NewWithBroker(cfg, b, log)
	s.ownsBroker = true
	return s, nil
}

// NewWithBroker builds a server on an already opened broker, which the
// caller keeps ownership of. A nil broker builds a server in local mode.
func NewWithBroker(cfg *Config, b broker.Broker, log *zap.Logger) *Server {
	if cfg == nil {
		cfg = NewConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}

	SetConfig(cfg)
	active := currentConfig()
	if _, _, rejected := normalizeOrigins(cfg.AllowedOrigins); len(rejected) > 0 {
		log.Warn("ignoring invalid origins in configuration", zap.Strings("origins", rejected))
	}

	nodeID := active.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	log = log.With(zap.String("node_id", nodeID))

	s := &Server{
		cfg:    active,
		nodeID: nodeID,
		log:    log,
		hub:    NewHub(log),
		broker: b,
	}

	if b != nil {
		s.relay = fanin.NewRelay(b, s.hub, fanin.Options{
			Channel: active.Broker.Channel,
			NodeID:  nodeID,
		}, log)
		s.hub.Router().SetPublisher(s.relay)
	} else {
		log.Info("no broker configured, running in local mode")
	}
	return s
}

// NodeID returns the origin this process stamps on published records.
func (s *Server) NodeID() string {
	return s.nodeID
}

// Hub returns the hub serving this process's connections.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	return SetupRoutes(s.hub)
}

// Start runs the hub and, when a broker is configured, the relay. It returns
// immediately.
func (s *Server) Start() {
	s.startOnce.Do(func() {
		go s.hub.Run()

		if s.relay == nil {
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.relayDone = make(chan struct{})
		go func() {
			defer close(s.relayDone)
			if err := s.relay.Run(ctx); err != nil {
				s.log.Error("relay stopped", zap.Error(err))
			}
		}()
	})
}

// Shutdown stops the relay, then the hub, then closes the broker if the
// server opened it.
func (s *Server) Shutdown(timeout time.Duration) error {
	var errs []error

	if s.cancel != nil {
		s.cancel()
		select {
		case <-s.relayDone:
		case <-time.After(timeout):
			errs = append(errs, fmt.Errorf("relay: %w", context.DeadlineExceeded))
		}
	}

	if err := s.hub.Shutdown(timeout); err != nil {
		errs = append(errs, fmt.Errorf("hub: %w", err))
	}

	if s.ownsBroker && s.broker != nil {
		if err := s.broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("broker: %w", err))
		}
	}
	return errors.Join(errs...)
}
