// Package audit records security-relevant events. The sink is best-effort and
// fire-and-forget: it must never block or fail the primary response path.
package audit

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"relaygate.org/internal/ids"
	"relaygate.org/internal/obs"
)

// Event kinds emitted by the gateway core.
const (
	EventLoginSuccess = "login_success"
	EventLoginFailed  = "login_failed"
	EventTokenRefresh = "token_refresh"
	EventTokenReuse   = "token_reuse_detected"
	EventRelayCall    = "relay_call"
	EventRelayError   = "relay_error"
	EventTenantUpdate = "tenant_updated"
)

// Event is a single audit record.
type Event struct {
	Kind      string
	TenantID  string
	Subject   string
	SourceIP  string
	UserAgent string
	Fields    map[string]any
}

// Sink accepts audit events.
type Sink interface {
	Emit(ctx context.Context, evt Event)
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit
// enrichment.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

type record struct {
	evt       Event
	requestID string
	ts        time.Time
}

// LogSink writes audit events as JSON lines through the shared logger. Emit
// never blocks: events are queued on a buffered channel and dropped (and
// counted) when the queue is full.
type LogSink struct {
	ch      chan record
	now     func() time.Time
	dropped int64
	mu      sync.Mutex
	wg      sync.WaitGroup
	once    sync.Once
}

// NewLogSink starts the background writer. bufferSize <= 0 selects a sane
// default.
func NewLogSink(bufferSize int) *LogSink {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	s := &LogSink{
		ch:  make(chan record, bufferSize),
		now: time.Now,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Emit implements Sink. It enqueues without blocking.
func (s *LogSink) Emit(ctx context.Context, evt Event) {
	rec := record{
		evt:       evt,
		requestID: requestIDFromContext(ctx),
		ts:        s.now().UTC(),
	}
	select {
	case s.ch <- rec:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (s *LogSink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close drains pending events and stops the writer.
func (s *LogSink) Close() {
	s.once.Do(func() {
		close(s.ch)
	})
	s.wg.Wait()
}

func (s *LogSink) run() {
	defer s.wg.Done()
	for rec := range s.ch {
		writeEntry(rec)
	}
}

func writeEntry(rec record) {
	entry := map[string]any{
		"ts":    rec.ts.Format(time.RFC3339Nano),
		"type":  "audit",
		"id":    ids.New(),
		"event": rec.evt.Kind,
	}
	if rec.requestID != "" {
		entry["request_id"] = rec.requestID
	}
	if rec.evt.TenantID != "" {
		entry["tenant_id"] = rec.evt.TenantID
	}
	if rec.evt.Subject != "" {
		entry["subject"] = rec.evt.Subject
	}
	if rec.evt.SourceIP != "" {
		entry["source_ip"] = rec.evt.SourceIP
	}
	if rec.evt.UserAgent != "" {
		entry["user_agent"] = rec.evt.UserAgent
	}
	fields := map[string]any{}
	for k, v := range rec.evt.Fields {
		fields[k] = v
	}
	entry["fields"] = fields

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	obs.Logger().Println(string(data))
}

// NopSink discards every event.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(context.Context, Event) {}

// MemorySink collects events for tests.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink.
func (m *MemorySink) Emit(_ context.Context, evt Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
}

// Events returns a copy of everything emitted so far.
func (m *MemorySink) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
