// Package audit implements the Audit Sink (C8): a redacted, append-only
// event recorder that also republishes security-relevant events on the
// realtime bus.
package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hanaponodata/alexos-chainbot/internal/wfmodel"
)

// Severity classifies an AuditRecord for the watchtower republish rule.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeveritySecurity Severity = "security"
)

// Associations are the optional cross-references an AuditRecord may
// carry.
type Associations struct {
	SessionID      string
	AgentID        string
	WorkflowID     string
	EntanglementID string
}

// Record is an append-only, never-mutated audit entry.
type Record struct {
	Action       string
	ActorID      string
	TargetType   string
	TargetID     string
	Timestamp    time.Time
	Associations Associations
	Metadata     map[string]wfmodel.Envelope
	Severity     Severity
}

const redactionSentinel = "***REDACTED***"

var redactedKeys = map[string]struct{}{
	"password": {}, "token": {}, "secret": {}, "api_key": {},
}

// redact walks metadata recursively and replaces the value of any key
// whose name matches the redact list (case-insensitive) with the
// redaction sentinel. Redact is idempotent: running it twice yields the
// same result.
func redact(meta map[string]wfmodel.Envelope) map[string]wfmodel.Envelope {
	if meta == nil {
		return nil
	}
	out := make(map[string]wfmodel.Envelope, len(meta))
	for k, v := range meta {
		if isRedactedKey(k) {
			out[k] = wfmodel.String(redactionSentinel)
			continue
		}
		if m, ok := v.AsMap(); ok {
			out[k] = wfmodel.Map(redact(m))
			continue
		}
		out[k] = v
	}
	return out
}

func isRedactedKey(key string) bool {
	_, ok := redactedKeys[strings.ToLower(key)]
	return ok
}

// Publisher is the C6 surface security events are republished through.
type Publisher interface {
	BroadcastToWindow(window string, msgType string, data wfmodel.Envelope, userID string) error
}

// Filter narrows a Query by actor, target, action, and time range.
type Filter struct {
	ActorID    string
	TargetType string
	TargetID   string
	Action     string
	Since      time.Time
	Until      time.Time
	Limit      int
}

// Sink is the in-memory, append-only audit store.
type Sink struct {
	mu      sync.RWMutex
	records []Record
	bus     Publisher
}

func New(bus Publisher) *Sink {
	return &Sink{bus: bus}
}

// LogEvent appends a redacted AuditRecord and, for security-severity
// events, republishes it to the watchtower window. Audit write failures
// are logged but never fail the originating operation — LogEvent itself
// cannot fail for the caller.
func (s *Sink) LogEvent(action, actorID, targetType, targetID string, assoc Associations, metadata map[string]wfmodel.Envelope, severity Severity) Record {
	record := Record{
		Action:       action,
		ActorID:      actorID,
		TargetType:   targetType,
		TargetID:     targetID,
		Timestamp:    time.Now(),
		Associations: assoc,
		Metadata:     redact(metadata),
		Severity:     severity,
	}
	s.mu.Lock()
	s.records = append(s.records, record)
	s.mu.Unlock()

	if severity == SeveritySecurity && s.bus != nil {
		data := wfmodel.Map(map[string]wfmodel.Envelope{
			"action":      wfmodel.String(action),
			"actor_id":    wfmodel.String(actorID),
			"target_type": wfmodel.String(targetType),
			"target_id":   wfmodel.String(targetID),
		})
		_ = s.bus.BroadcastToWindow("watchtower", "alert", data, "")
	}
	return record
}

// Query returns records matching filter, ordered by timestamp descending,
// capped at filter.Limit (0 meaning unbounded).
func (s *Sink) Query(filter Filter) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]Record, 0)
	for _, r := range s.records {
		if filter.ActorID != "" && r.ActorID != filter.ActorID {
			continue
		}
		if filter.TargetType != "" && r.TargetType != filter.TargetType {
			continue
		}
		if filter.TargetID != "" && r.TargetID != filter.TargetID {
			continue
		}
		if filter.Action != "" && r.Action != filter.Action {
			continue
		}
		if !filter.Since.IsZero() && r.Timestamp.Before(filter.Since) {
			continue
		}
		if !filter.Until.IsZero() && r.Timestamp.After(filter.Until) {
			continue
		}
		matches = append(matches, r)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Timestamp.After(matches[j].Timestamp) })
	if filter.Limit > 0 && len(matches) > filter.Limit {
		matches = matches[:filter.Limit]
	}
	return matches
}

// Export renders filtered records as "json" or "csv", supplementing the
// spec with the Python original's audit export feature.
func (s *Sink) Export(format string, filter Filter) ([]byte, error) {
	records := s.Query(filter)
	switch strings.ToLower(format) {
	case "json":
		return json.Marshal(records)
	case "csv":
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		_ = w.Write([]string{"action", "actor_id", "target_type", "target_id", "timestamp", "severity"})
		for _, r := range records {
			_ = w.Write([]string{r.Action, r.ActorID, r.TargetType, r.TargetID, r.Timestamp.Format(time.RFC3339), string(r.Severity)})
		}
		w.Flush()
		return buf.Bytes(), w.Error()
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}
