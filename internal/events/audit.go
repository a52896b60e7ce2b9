package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEntry is one line of the run's append-only JSONL audit log.
type AuditEntry struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  string                 `json:"event_type"`
	ReactionID string                 `json:"reaction_id,omitempty"`
	GuessID    string                 `json:"guess_id,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// AuditLog appends pipeline events to <work_dir>/run_audit.jsonl so a run
// can be reconstructed after the fact.
type AuditLog struct {
	mu   sync.Mutex
	file *os.File
}

func NewAuditLog(path string) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &AuditLog{file: file}, nil
}

// Attach subscribes the audit log to every pipeline event type on the bus
// and returns a detach function.
func (l *AuditLog) Attach(bus *Bus) func() {
	types := []EventType{
		EventReactionStarted,
		EventPathFound,
		EventGuessAccepted,
		EventTSConfirmed,
		EventReactionFailed,
	}
	unsubs := make([]func(), 0, len(types))
	for _, et := range types {
		unsubs = append(unsubs, bus.Subscribe(et, l.record))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (l *AuditLog) record(ev Event) {
	entry := AuditEntry{
		Timestamp: ev.Timestamp,
		EventType: string(ev.Type),
		Details:   ev.Data,
	}
	if id, ok := ev.Data["reaction_id"].(string); ok {
		entry.ReactionID = id
	}
	if id, ok := ev.Data["guess_id"].(string); ok {
		entry.GuessID = id
	}
	_ = l.Write(entry)
}

// Write appends one entry. Errors are returned but callers on the event
// path ignore them; audit logging is best-effort.
func (l *AuditLog) Write(entry AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (l *AuditLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
