// Package relay carries cross-chain messages over NATS subjects, one subject per
// destination chain.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"cofinance/internal/chain"
	"cofinance/internal/crosschain"
)

const DefaultPrefix = "cofinance.xchain"

// Subject returns the subject messages for chainID are published on.
func Subject(prefix string, chainID uint64) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + "." + strconv.FormatUint(chainID, 10)
}

type Config struct {
	URL          string
	Prefix       string
	Queue        string
	Name         string
	MaxRetries   int
	RetryBackoff time.Duration
}

// Relay publishes outbound messages and feeds inbound ones to a handler.
type Relay struct {
	cfg    Config
	conn   *nats.Conn
	logger *zap.Logger
}

func Connect(cfg Config, logger *zap.Logger) (*Relay, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("relay disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("relay reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect relay %s: %w", cfg.URL, err)
	}
	return &Relay{cfg: cfg, conn: conn, logger: logger}, nil
}

// Publish implements crosschain.Publisher.
func (r *Relay) Publish(ctx context.Context, msg crosschain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	subject := Subject(r.cfg.Prefix, msg.DestChainID)
	return chain.WithRetry(ctx, r.cfg.MaxRetries, r.cfg.RetryBackoff, func(context.Context) error {
		if err := r.conn.Publish(subject, data); err != nil {
			return err
		}
		return r.conn.FlushTimeout(5 * time.Second)
	})
}

// Handler consumes one inbound message.
type Handler func(ctx context.Context, msg crosschain.Message) error

// Run delivers messages addressed to chainID to handle until ctx is cancelled.
// Rejections are logged; the handler is expected to record outcomes itself.
func (r *Relay) Run(ctx context.Context, chainID uint64, handle Handler) error {
	subject := Subject(r.cfg.Prefix, chainID)
	sub, err := r.conn.QueueSubscribe(subject, r.queue(chainID), func(m *nats.Msg) {
		msg, err := DecodeMessage(m.Data)
		if err != nil {
			r.logger.Warn("drop relay message", zap.String("subject", m.Subject), zap.Error(err))
			return
		}
		if err := handle(ctx, msg); err != nil {
			r.logger.Debug("relay message rejected", zap.String("message_id", msg.MessageID.Hex()), zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	r.logger.Info("relay subscribed", zap.String("subject", subject))

	<-ctx.Done()
	if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("drain %s: %w", subject, err)
	}
	return nil
}

func (r *Relay) queue(chainID uint64) string {
	if r.cfg.Queue != "" {
		return r.cfg.Queue
	}
	return "cofinance-" + strconv.FormatUint(chainID, 10)
}

func (r *Relay) Close() {
	if r.conn != nil {
		r.conn.Close()
	}
}

// DecodeMessage parses a relayed envelope.
func DecodeMessage(data []byte) (crosschain.Message, error) {
	var msg crosschain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return crosschain.Message{}, fmt.Errorf("decode message: %v: %w", err, crosschain.ErrMalformedPayload)
	}
	if msg.SourceChainID == 0 || len(msg.Payload) == 0 {
		return crosschain.Message{}, fmt.Errorf("incomplete envelope: %w", crosschain.ErrMalformedPayload)
	}
	return msg, nil
}
