// Package store holds the in-memory message index and its secondary
// ordering structure.
//
// Two structures are kept mutually consistent under one exclusive mutex:
//
//	byID   id → message (authoritative copy, at most one per id)
//	inbox  recipient → sender → ids in arrival order at this node
//
// Every mutation appends its log record while still holding the lock, so
// the on-disk log always reflects a prefix of the in-memory history.
// Mutations return the delta to replicate; callers fan out to peers only
// AFTER the lock is released so a slow peer can never block local
// request throughput.
package store

import (
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chatmesh/internal/chat"
	"github.com/adred-codev/chatmesh/internal/monitoring"
	"github.com/adred-codev/chatmesh/internal/storage"
)

var errEmptyField = errors.New("store: sender, recipient and content must be non-empty")

// Store is the replicated message index of one node.
type Store struct {
	mu    sync.Mutex
	byID  map[string]*chat.Message
	inbox map[string]map[string][]string

	log              *storage.MessageLog
	compactThreshold int // snapshot rewrite after this many appended records; 0 disables
	logger           zerolog.Logger
}

// Open replays the message log into a fresh store. A malformed log is
// fatal; the node refuses to start from inconsistent on-disk state.
func Open(log *storage.MessageLog, compactThreshold int, logger zerolog.Logger) (*Store, error) {
	s := &Store{
		byID:             make(map[string]*chat.Message),
		inbox:            make(map[string]map[string][]string),
		log:              log,
		compactThreshold: compactThreshold,
		logger:           logger.With().Str("component", "store").Logger(),
	}

	msgs, err := log.Replay()
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		s.insertLocked(m)
	}
	return s, nil
}

// Send creates a message from sender to recipient. The message is born
// read when the recipient has a live session on this node (the online
// callback), unread otherwise. Returns a copy of the stored message for
// the caller to fan out.
func (s *Store) Send(sender, recipient, content string, online func(string) bool) (*chat.Message, error) {
	if sender == "" || recipient == "" || content == "" {
		return nil, errEmptyField
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := chat.New(sender, recipient, content)
	if online != nil && online(recipient) {
		m.Status = chat.StatusRead
	}
	s.insertLocked(m)
	monitoring.IncrementMessagesStored()

	if err := s.log.AppendUpsert(m); err != nil {
		return m.Clone(), err
	}
	s.maybeCompactLocked()
	return m.Clone(), nil
}

// MarkRead flips every unread message from sender in recipient's inbox to
// read and returns the touched ids. No ids touched means no log record
// and nothing to fan out.
func (s *Store) MarkRead(sender, recipient string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var touched []string
	for _, id := range s.inbox[recipient][sender] {
		if m, ok := s.byID[id]; ok && m.Status == chat.StatusUnread {
			m.Status = chat.StatusRead
			touched = append(touched, id)
		}
	}
	if len(touched) == 0 {
		return nil, nil
	}
	monitoring.IncrementMessagesRead(len(touched))

	if err := s.log.AppendRead(touched); err != nil {
		return touched, err
	}
	s.maybeCompactLocked()
	return touched, nil
}

// ListConversation returns every message between user and friend, in
// either direction, sorted ascending by timestamp. The walk goes through
// the inbox buckets rather than the id map so that equal-timestamp
// messages keep their arrival order under the stable sort.
func (s *Store) ListConversation(user, friend string) []*chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*chat.Message
	for _, bucket := range [][]string{s.inbox[user][friend], s.inbox[friend][user]} {
		for _, id := range bucket {
			if m, ok := s.byID[id]; ok {
				out = append(out, m.Clone())
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// UnreadCounts returns, for every known username, how many unread
// messages user has from that sender. Senders with no messages report 0.
func (s *Store) UnreadCounts(user string, known []string) map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int64, len(known))
	for _, sender := range known {
		var n int64
		for _, id := range s.inbox[user][sender] {
			if m, ok := s.byID[id]; ok && m.Status == chat.StatusUnread {
				n++
			}
		}
		counts[sender] = n
	}
	return counts
}

// DeleteMessage removes one message. Unknown ids are a silent no-op with
// nothing logged or replicated.
func (s *Store) DeleteMessage(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.removeLocked(id) {
		return false, nil
	}
	monitoring.IncrementMessagesDeleted(1)

	if err := s.log.AppendDelete([]string{id}); err != nil {
		return true, err
	}
	s.maybeCompactLocked()
	return true, nil
}

// DeleteAccount removes every message sent or received by user from both
// structures and prunes empty inbox branches. Memory-only and node-local:
// nothing is logged or replicated, and peers will re-seed the messages on
// the next full pull.
func (s *Store) DeleteAccount(user string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doomed []string
	for id, m := range s.byID {
		if m.Sender == user || m.Recipient == user {
			doomed = append(doomed, id)
		}
	}
	for _, id := range doomed {
		s.removeLocked(id)
	}
	if len(doomed) > 0 {
		monitoring.IncrementMessagesDeleted(len(doomed))
	}
	return len(doomed)
}

// ApplyRemoteUpsert merges one replicated message. Last-writer-wins by
// timestamp: the incoming copy is applied unless the local copy is
// strictly newer; equal timestamps favor the incoming value, which makes
// re-delivery of an identical message idempotent. Applied upserts are
// logged; stale ones are dropped entirely.
func (s *Store) ApplyRemoteUpsert(m *chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.upsertLocked(m.Clone()) {
		return nil
	}
	monitoring.IncrementMessagesStored()

	if err := s.log.AppendUpsert(m); err != nil {
		return err
	}
	s.maybeCompactLocked()
	return nil
}

// ApplyRemoteDelete removes each id, silently ignoring unknown ones. The
// full incoming batch is logged as one record so replay observes the same
// deletes this node did.
func (s *Store) ApplyRemoteDelete(ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, id := range ids {
		if s.removeLocked(id) {
			removed++
		}
	}
	if removed > 0 {
		monitoring.IncrementMessagesDeleted(removed)
	}

	if err := s.log.AppendDelete(ids); err != nil {
		return err
	}
	s.maybeCompactLocked()
	return nil
}

// ApplyRemoteRead marks each known id read; unknown ids are skipped. The
// batch is logged as one record.
func (s *Store) ApplyRemoteRead(ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	marked := 0
	for _, id := range ids {
		if m, ok := s.byID[id]; ok && m.Status != chat.StatusRead {
			m.Status = chat.StatusRead
			marked++
		}
	}
	if marked > 0 {
		monitoring.IncrementMessagesRead(marked)
	}

	if err := s.log.AppendRead(ids); err != nil {
		return err
	}
	s.maybeCompactLocked()
	return nil
}

// ReplaceAll discards the entire store and installs the package contents:
// every message is upserted in order, then every deleted id removed. The
// log is rewritten as a snapshot of the result.
func (s *Store) ReplaceAll(msgs []*chat.Message, deletedIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID = make(map[string]*chat.Message, len(msgs))
	s.inbox = make(map[string]map[string][]string)
	for _, m := range msgs {
		s.upsertLocked(m.Clone())
	}
	for _, id := range deletedIDs {
		s.removeLocked(id)
	}

	return s.log.Rewrite(s.snapshotLocked())
}

// MergeRemote folds a peer's full dump into the local store during
// startup reconciliation. The incoming copy wins only when its id is
// unknown locally or its timestamp is strictly larger. Nothing is logged;
// the bootstrap rewrites the log as a snapshot once the merge is done.
// Returns the number of adopted messages.
func (s *Store) MergeRemote(msgs []*chat.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	adopted := 0
	for _, m := range msgs {
		local, ok := s.byID[m.ID]
		if ok && m.Timestamp <= local.Timestamp {
			continue
		}
		s.upsertLocked(m.Clone())
		adopted++
	}
	return adopted
}

// Snapshot returns a consistent copy of every message. Messages are
// ordered bucket by bucket so that a snapshot-rewrite-replay cycle
// preserves per-conversation arrival order.
func (s *Store) Snapshot() []*chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Compact forces a snapshot rewrite of the log.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.Rewrite(s.snapshotLocked())
}

// Len returns the number of stored messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// insertLocked adds a message that is known not to replace an existing
// copy with a different routing, appending its id to the inbox bucket if
// absent.
func (s *Store) insertLocked(m *chat.Message) {
	s.byID[m.ID] = m
	bucket := s.inbox[m.Recipient]
	if bucket == nil {
		bucket = make(map[string][]string)
		s.inbox[m.Recipient] = bucket
	}
	for _, id := range bucket[m.Sender] {
		if id == m.ID {
			return // already indexed exactly once
		}
	}
	bucket[m.Sender] = append(bucket[m.Sender], m.ID)
}

// upsertLocked applies an incoming copy under the LWW rule. Returns false
// when the local copy is strictly newer and the incoming one is dropped.
// Handles the (pathological) case of an upsert that re-routes an id to a
// different conversation by moving the inbox entry.
func (s *Store) upsertLocked(m *chat.Message) bool {
	if existing, ok := s.byID[m.ID]; ok {
		if existing.Timestamp > m.Timestamp {
			return false
		}
		if existing.Recipient != m.Recipient || existing.Sender != m.Sender {
			s.removeLocked(m.ID)
		}
	}
	s.insertLocked(m)
	return true
}

// removeLocked deletes the id from both structures, pruning inbox
// branches that become empty. Returns false for unknown ids.
func (s *Store) removeLocked(id string) bool {
	m, ok := s.byID[id]
	if !ok {
		return false
	}
	delete(s.byID, id)

	bucket := s.inbox[m.Recipient]
	ids := bucket[m.Sender]
	for i, candidate := range ids {
		if candidate == id {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(bucket, m.Sender)
		if len(bucket) == 0 {
			delete(s.inbox, m.Recipient)
		}
	} else {
		bucket[m.Sender] = ids
	}
	return true
}

func (s *Store) snapshotLocked() []*chat.Message {
	recipients := make([]string, 0, len(s.inbox))
	for r := range s.inbox {
		recipients = append(recipients, r)
	}
	sort.Strings(recipients)

	out := make([]*chat.Message, 0, len(s.byID))
	for _, r := range recipients {
		senders := make([]string, 0, len(s.inbox[r]))
		for snd := range s.inbox[r] {
			senders = append(senders, snd)
		}
		sort.Strings(senders)
		for _, snd := range senders {
			for _, id := range s.inbox[r][snd] {
				if m, ok := s.byID[id]; ok {
					out = append(out, m.Clone())
				}
			}
		}
	}
	return out
}

// maybeCompactLocked rewrites the log as a snapshot once the appended
// record count crosses the configured threshold. Failures are logged and
// ignored; the log stays valid, just longer than it needs to be.
func (s *Store) maybeCompactLocked() {
	if s.compactThreshold <= 0 || s.log.Pending() < s.compactThreshold {
		return
	}
	if err := s.log.Rewrite(s.snapshotLocked()); err != nil {
		s.logger.Error().Err(err).Msg("Log compaction failed")
	}
}
