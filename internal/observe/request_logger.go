package observe

import (
	"context"
	"time"

	"github.com/keithlinneman/linnemanlabs-api/internal/log"
	"github.com/keithlinneman/linnemanlabs-api/internal/redact"
)

// RequestLogger writes one "Request completed" record per request to the
// middleware channel.
type RequestLogger struct {
	logger log.Logger
}

func NewRequestLogger(logger log.Logger) *RequestLogger {
	return &RequestLogger{logger: log.Channel(logger, log.ChannelMiddleware)}
}

func (l *RequestLogger) Name() string { return "request_logger" }

func (l *RequestLogger) Observe(ctx context.Context, o Observation) {
	l.logger.Info(ctx, "Request completed",
		"request_id", o.RequestID,
		"correlation_id", o.CorrelationID,
		"user_id", o.UserID(),
		"method", o.Method,
		"url", o.URL,
		"status", o.Status,
		"duration_ms", ms(o.Duration),
		"ip", o.ClientIP,
		"user_agent", o.UserAgent,
		"request_data", redact.Body(o.Body),
		"timestamp", o.FinishedAt.Format(time.RFC3339),
	)
}
