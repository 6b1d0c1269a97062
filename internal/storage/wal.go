// Package storage owns the node's on-disk state: the append-only message
// log and the account registry file.
package storage

import (
	"bufio"
	"fmt"
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/chatmesh/internal/chat"
	"github.com/adred-codev/chatmesh/internal/monitoring"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Log operation names for batch records.
const (
	opDelete = "delete"
	opRead   = "read"
)

// batchRecord is the line shape for delete and read batches. Upsert lines
// are bare message objects (no "operation" key).
type batchRecord struct {
	Operation string   `json:"operation"`
	IDs       []string `json:"ids"`
}

// MessageLog is the append-only per-node mutation log. One JSON object per
// line; three line shapes: message upsert, delete batch, read batch. The
// log is replayed once at startup and appended to on every mutation. The
// caller (the store) serializes access; the log itself only guards the
// pending-record counter.
type MessageLog struct {
	path   string
	logger zerolog.Logger

	mu      sync.Mutex
	pending int // records appended since the last Rewrite
}

// NewMessageLog creates a log backed by path. The file is created lazily
// on first write; a missing file replays to an empty state.
func NewMessageLog(path string, logger zerolog.Logger) *MessageLog {
	return &MessageLog{
		path:   path,
		logger: logger.With().Str("component", "message_log").Logger(),
	}
}

// Path returns the backing file path.
func (l *MessageLog) Path() string { return l.path }

// Pending reports how many records have been appended since the last
// snapshot rewrite. The store uses it to trigger compaction.
func (l *MessageLog) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

// AppendUpsert appends one message line.
func (l *MessageLog) AppendUpsert(m *chat.Message) error {
	if err := l.appendLine(m); err != nil {
		return err
	}
	monitoring.IncrementLogRecords("upsert")
	return nil
}

// AppendDelete appends one aggregate delete line for the batch.
func (l *MessageLog) AppendDelete(ids []string) error {
	if err := l.appendLine(batchRecord{Operation: opDelete, IDs: ids}); err != nil {
		return err
	}
	monitoring.IncrementLogRecords("delete")
	return nil
}

// AppendRead appends one aggregate read line for the batch.
func (l *MessageLog) AppendRead(ids []string) error {
	if err := l.appendLine(batchRecord{Operation: opRead, IDs: ids}); err != nil {
		return err
	}
	monitoring.IncrementLogRecords("read")
	return nil
}

func (l *MessageLog) appendLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode log record: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open message log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append message log: %w", err)
	}

	l.mu.Lock()
	l.pending++
	l.mu.Unlock()
	return nil
}

// Rewrite truncates the log and writes one upsert line per message. The
// inbox structure is never persisted; it is always reconstructible from
// the upsert lines.
func (l *MessageLog) Rewrite(msgs []*chat.Message) error {
	f, err := os.OpenFile(l.path, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open message log for rewrite: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode log record: %w", err)
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("rewrite message log: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("rewrite message log: %w", err)
	}

	l.mu.Lock()
	l.pending = 0
	l.mu.Unlock()

	l.logger.Debug().Int("messages", len(msgs)).Msg("Log rewritten as snapshot")
	monitoring.IncrementLogSnapshots()
	return nil
}

// Replay scans the log in file order and returns the surviving messages in
// first-upsert order with read marks applied. Later upserts for the same
// id overwrite the earlier body but keep its position, so per-conversation
// arrival order is preserved across restarts. A missing file yields an
// empty slice. Any malformed line fails the replay; the node must not
// start from an inconsistent log.
func (l *MessageLog) Replay() ([]*chat.Message, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			l.logger.Info().Str("path", l.path).Msg("No message log found, starting empty")
			return nil, nil
		}
		return nil, fmt.Errorf("open message log: %w", err)
	}
	defer f.Close()

	byID := make(map[string]*chat.Message)
	order := make([]string, 0, 64)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var probe struct {
			Operation string `json:"operation"`
		}
		if err := json.Unmarshal(line, &probe); err != nil {
			return nil, fmt.Errorf("message log line %d: %w", lineNo, err)
		}

		switch probe.Operation {
		case "":
			var m chat.Message
			if err := json.Unmarshal(line, &m); err != nil {
				return nil, fmt.Errorf("message log line %d: %w", lineNo, err)
			}
			if m.ID == "" {
				return nil, fmt.Errorf("message log line %d: upsert without id", lineNo)
			}
			if _, seen := byID[m.ID]; !seen {
				order = append(order, m.ID)
			}
			byID[m.ID] = &m
		case opDelete:
			var rec batchRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return nil, fmt.Errorf("message log line %d: %w", lineNo, err)
			}
			for _, id := range rec.IDs {
				delete(byID, id) // unknown ids are silently skipped
			}
		case opRead:
			var rec batchRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				return nil, fmt.Errorf("message log line %d: %w", lineNo, err)
			}
			for _, id := range rec.IDs {
				if m, ok := byID[id]; ok {
					m.Status = chat.StatusRead
				}
			}
		default:
			return nil, fmt.Errorf("message log line %d: unknown operation %q", lineNo, probe.Operation)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan message log: %w", err)
	}

	msgs := make([]*chat.Message, 0, len(byID))
	for _, id := range order {
		if m, ok := byID[id]; ok {
			msgs = append(msgs, m)
		}
	}

	l.mu.Lock()
	l.pending = lineNo
	l.mu.Unlock()

	l.logger.Info().
		Int("records", lineNo).
		Int("messages", len(msgs)).
		Msg("Message log replayed")
	return msgs, nil
}
