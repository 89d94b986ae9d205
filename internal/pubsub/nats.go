package pubsub

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSConfig carries connection settings for the default driver.
type NATSConfig struct {
	Host     string
	Port     int
	Password string // optional token auth
	Channel  string
	Logger   zerolog.Logger

	// OnReconnect fires after the client re-establishes a dropped
	// connection. The server schedules a reconcile hydrate here, since
	// messages published during the gap are gone.
	OnReconnect func()
}

// NATSSubscriber subscribes to the marker channel over core NATS.
type NATSSubscriber struct {
	conn    *nats.Conn
	channel string
	sub     *nats.Subscription
	logger  zerolog.Logger
}

// NewNATSSubscriber connects to the bus. With RetryOnFailedConnect the
// initial dial may succeed lazily, so a bus that is briefly down at boot
// does not kill the process.
func NewNATSSubscriber(cfg NATSConfig) (*NATSSubscriber, error) {
	logger := cfg.Logger.With().Str("component", "nats_subscriber").Logger()

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectJitter(500*time.Millisecond, 2*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.ConnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("Connected to NATS")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("Reconnected to NATS")
			if cfg.OnReconnect != nil {
				cfg.OnReconnect()
			}
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error().Err(err).Msg("NATS async error")
		}),
	}
	if cfg.Password != "" {
		opts = append(opts, nats.Token(cfg.Password))
	}

	url := fmt.Sprintf("nats://%s:%d", cfg.Host, cfg.Port)
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	return &NATSSubscriber{
		conn:    conn,
		channel: cfg.Channel,
		logger:  logger,
	}, nil
}

func (s *NATSSubscriber) Start(handler Handler) error {
	sub, err := s.conn.Subscribe(s.channel, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.channel, err)
	}
	s.sub = sub
	s.logger.Info().Str("channel", s.channel).Msg("Subscribed to marker channel")
	return nil
}

func (s *NATSSubscriber) Stop() error {
	if s.sub != nil {
		if err := s.sub.Unsubscribe(); err != nil {
			s.logger.Warn().Err(err).Msg("Unsubscribe failed")
		}
		s.sub = nil
	}
	s.conn.Close()
	s.logger.Info().Msg("NATS connection closed")
	return nil
}

func (s *NATSSubscriber) Connected() bool {
	return s.conn != nil && s.conn.IsConnected()
}
