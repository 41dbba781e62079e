package observe

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/keithlinneman/linnemanlabs-api/internal/log"
	"github.com/keithlinneman/linnemanlabs-api/internal/redact"
	"github.com/keithlinneman/linnemanlabs-api/internal/xerrors"
)

// AuditEvent records a change made by an authenticated principal.
type AuditEvent struct {
	UserID    string `json:"user_id"`
	Action    string `json:"action"`
	Resource  string `json:"resource"`
	Changes   any    `json:"changes"`
	IP        string `json:"ip"`
	RequestID string `json:"request_id"`
	Timestamp string `json:"timestamp"`
}

// AuditSink delivers audit events somewhere durable.
type AuditSink interface {
	Name() string
	Record(ctx context.Context, e AuditEvent) error
}

type AuditMetrics interface {
	IncAuditEvent(sink, outcome string)
}

type nopAuditMetrics struct{}

func (nopAuditMetrics) IncAuditEvent(string, string) {}

// AuditRecorder turns mutating requests by an authenticated principal into
// audit events. Anonymous and read-only requests are ignored.
type AuditRecorder struct {
	sink    AuditSink
	logger  log.Logger
	metrics AuditMetrics
}

func NewAuditRecorder(sink AuditSink, logger log.Logger, m AuditMetrics) *AuditRecorder {
	if logger == nil {
		logger = log.Nop()
	}
	if m == nil {
		m = nopAuditMetrics{}
	}
	return &AuditRecorder{sink: sink, logger: logger, metrics: m}
}

func (a *AuditRecorder) Name() string { return "audit" }

func (a *AuditRecorder) Observe(ctx context.Context, o Observation) {
	if a.sink == nil || o.UserID() == "" || !mutating(o.Method) {
		return
	}

	changes := redact.Body(o.Body)
	if changes == nil {
		changes = map[string]any{}
	}
	e := AuditEvent{
		UserID:    o.UserID(),
		Action:    o.Method,
		Resource:  o.Path,
		Changes:   changes,
		IP:        o.ClientIP,
		RequestID: o.RequestID,
		Timestamp: o.FinishedAt.UTC().Format(time.RFC3339),
	}
	if err := a.sink.Record(ctx, e); err != nil {
		a.metrics.IncAuditEvent(a.sink.Name(), "error")
		a.logger.Error(ctx, err, "audit event not recorded", "sink", a.sink.Name(), "request_id", o.RequestID)
		return
	}
	a.metrics.IncAuditEvent(a.sink.Name(), "recorded")
}

// LogSink writes audit events to the audit log channel.
type LogSink struct {
	logger log.Logger
}

func NewLogSink(logger log.Logger) *LogSink {
	return &LogSink{logger: log.Channel(logger, log.ChannelAudit)}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Record(ctx context.Context, e AuditEvent) error {
	s.logger.Info(ctx, "audit_event",
		"user_id", e.UserID,
		"action", e.Action,
		"resource", e.Resource,
		"changes", e.Changes,
		"ip", e.IP,
		"request_id", e.RequestID,
		"timestamp", e.Timestamp,
	)
	return nil
}

// Publisher is the part of *nats.Conn the NATS sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes each event as JSON on a subject.
type NATSSink struct {
	pub     Publisher
	subject string
}

func NewNATSSink(pub Publisher, subject string) *NATSSink {
	return &NATSSink{pub: pub, subject: subject}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Record(_ context.Context, e AuditEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return xerrors.Wrap(err, "encode audit event")
	}
	if err := s.pub.Publish(s.subject, data); err != nil {
		return xerrors.Wrapf(err, "publish audit event to %s", s.subject)
	}
	return nil
}

// MultiSink records to every sink and joins their errors.
type MultiSink []AuditSink

func (m MultiSink) Name() string { return "multi" }

func (m MultiSink) Record(ctx context.Context, e AuditEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
