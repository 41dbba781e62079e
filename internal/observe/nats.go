package observe

import (
	"context"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/keithlinneman/linnemanlabs-api/internal/log"
	"github.com/keithlinneman/linnemanlabs-api/internal/xerrors"
)

type NATSConfig struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// ConnectNATS dials the audit bus. Publishes made while disconnected are
// buffered by the client and flushed on reconnect.
func ConnectNATS(ctx context.Context, cfg NATSConfig, logger log.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(ctx, "nats disconnected", "error", err.Error())
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info(ctx, "nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Error(ctx, err, "nats async error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, xerrors.Wrapf(err, "connect nats %s", cfg.URL)
	}
	logger.Info(ctx, "connected to nats", "url", nc.ConnectedUrl())
	return nc, nil
}
