// Package meshstore implements the durable local store contract from
// spec.md §6: object stores for devices, messages (indexed by
// conversation key and by sync flag), a pending-retry queue (indexed
// by retry count), and a config namespace. It is grounded on the
// teacher's internal/store/store.go: each table is an append-only
// JSONL file, synced to disk on every write; reads collapse to the
// latest record per id (a tombstone record marks deletion), the same
// shape as the teacher's AddContract/ListContracts pair generalized to
// support overwrite and delete.
package meshstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"meshwire/internal/meshmodel"
	"meshwire/internal/meshwireerr"
)

const maxScanLineSize = 64 * 1024

// Store is the durable local store for one node's home directory.
type Store struct {
	mu sync.Mutex

	devicesPath string
	messagesPath string
	pendingPath string
	configPath  string
}

// New opens (creating if absent) the durable store rooted at home.
func New(home string) (*Store, error) {
	if err := os.MkdirAll(home, 0o700); err != nil {
		return nil, fmt.Errorf("%w: mkdir: %v", meshwireerr.ErrDurableStoreError, err)
	}
	return &Store{
		devicesPath:  filepath.Join(home, "devices.jsonl"),
		messagesPath: filepath.Join(home, "messages.jsonl"),
		pendingPath:  filepath.Join(home, "pending.jsonl"),
		configPath:   filepath.Join(home, "config.jsonl"),
	}, nil
}

func newScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxScanLineSize)
	return sc
}

func appendLine(path string, v any) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", meshwireerr.ErrDurableStoreError, path, err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(v); err != nil {
		return fmt.Errorf("%w: encode: %v", meshwireerr.ErrDurableStoreError, err)
	}
	return f.Sync()
}

// ---- devices ----

func (s *Store) UpsertDevice(d meshmodel.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendLine(s.devicesPath, diskRecord[meshmodel.Device]{ID: d.ID, Value: d})
}

func (s *Store) ListDevices() ([]meshmodel.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest, err := latestByID[meshmodel.Device](s.devicesPath)
	if err != nil {
		return nil, err
	}
	out := make([]meshmodel.Device, 0, len(latest))
	for _, r := range latest {
		if r.Deleted {
			continue
		}
		out = append(out, r.Value)
	}
	return out, nil
}

func (s *Store) GetDevice(id string) (meshmodel.Device, bool, error) {
	devices, err := s.ListDevices()
	if err != nil {
		return meshmodel.Device{}, false, err
	}
	for _, d := range devices {
		if d.ID == id {
			return d, true, nil
		}
	}
	return meshmodel.Device{}, false, nil
}

// EvictDevicesOlderThan deletes (tombstones) device records whose
// LastSeen predates cutoff, implementing the age-based cleanup pass
// spec §4.3 defers to the storage layer. The cutoff is chosen by the
// caller; there is no built-in retention default.
func (s *Store) EvictDevicesOlderThan(cutoff time.Time) error {
	devices, err := s.ListDevices()
	if err != nil {
		return err
	}
	for _, d := range devices {
		if d.LastSeen.Before(cutoff) {
			s.mu.Lock()
			err := appendLine(s.devicesPath, diskRecord[meshmodel.Device]{ID: d.ID, Deleted: true})
			s.mu.Unlock()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// ---- messages ----

type storedMessage struct {
	meshmodel.Message
	Synced bool `json:"synced"`
}

func (s *Store) UpsertMessage(m meshmodel.Message, synced bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendLine(s.messagesPath, diskRecord[storedMessage]{
		ID:    m.ID,
		Value: storedMessage{Message: m, Synced: synced},
	})
}

func (s *Store) MarkSynced(id string) error {
	msg, synced, ok, err := s.getMessageRaw(id)
	if err != nil || !ok {
		return err
	}
	if synced {
		return nil
	}
	return s.UpsertMessage(msg, true)
}

func (s *Store) getMessageRaw(id string) (meshmodel.Message, bool, bool, error) {
	s.mu.Lock()
	latest, err := latestByID[storedMessage](s.messagesPath)
	s.mu.Unlock()
	if err != nil {
		return meshmodel.Message{}, false, false, err
	}
	r, ok := latest[id]
	if !ok || r.Deleted {
		return meshmodel.Message{}, false, false, nil
	}
	return r.Value.Message, r.Value.Synced, true, nil
}

// GetMessage returns the latest known state of message id.
func (s *Store) GetMessage(id string) (meshmodel.Message, bool, error) {
	m, _, ok, err := s.getMessageRaw(id)
	return m, ok, err
}

// MessageExists implements the messageExists gate spec §4.4 and §4.9
// require before a MESSAGE packet is delivered locally, so restarts
// and rendezvous re-admission never double-deliver.
func (s *Store) MessageExists(id string) (bool, error) {
	_, _, ok, err := s.getMessageRaw(id)
	return ok, err
}

func (s *Store) listMessages() ([]storedMessage, error) {
	s.mu.Lock()
	latest, err := latestByID[storedMessage](s.messagesPath)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]storedMessage, 0, len(latest))
	for _, r := range latest {
		if r.Deleted {
			continue
		}
		out = append(out, r.Value)
	}
	return out, nil
}

// ListByConversation returns every message for the canonical
// conversation key between a and b, ordered by timestamp ascending
// (spec §5: receivers must sort by timestamp for display).
func (s *Store) ListByConversation(a, b string) ([]meshmodel.Message, error) {
	key := meshmodel.ConversationKey(a, b)
	all, err := s.listMessages()
	if err != nil {
		return nil, err
	}
	var out []meshmodel.Message
	for _, sm := range all {
		if meshmodel.ConversationKey(sm.SenderID, sm.ReceiverID) == key {
			out = append(out, sm.Message)
		}
	}
	sortMessagesByTimestamp(out)
	return out, nil
}

// ListUnsynced returns every message not yet uploaded to the
// rendezvous relay (spec §4.9).
func (s *Store) ListUnsynced() ([]meshmodel.Message, error) {
	all, err := s.listMessages()
	if err != nil {
		return nil, err
	}
	var out []meshmodel.Message
	for _, sm := range all {
		if !sm.Synced {
			out = append(out, sm.Message)
		}
	}
	return out, nil
}

func sortMessagesByTimestamp(msgs []meshmodel.Message) {
	for i := 1; i < len(msgs); i++ {
		for j := i; j > 0 && msgs[j-1].Timestamp > msgs[j].Timestamp; j-- {
			msgs[j-1], msgs[j] = msgs[j], msgs[j-1]
		}
	}
}

// ---- pending retry queue ----

// PendingRecord mirrors spec §3's pending-retry record.
type PendingRecord struct {
	ID          string          `json:"id"`
	Message     meshmodel.Message `json:"message"`
	Retries     int             `json:"retries"`
	LastAttempt time.Time       `json:"last_attempt"`
}

func (s *Store) UpsertPending(p PendingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendLine(s.pendingPath, diskRecord[PendingRecord]{ID: p.ID, Value: p})
}

func (s *Store) RemovePending(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendLine(s.pendingPath, diskRecord[PendingRecord]{ID: id, Deleted: true})
}

// ListPending returns every pending-retry record, sorted by retries
// ascending (the index spec §6 requires).
func (s *Store) ListPending() ([]PendingRecord, error) {
	s.mu.Lock()
	latest, err := latestByID[PendingRecord](s.pendingPath)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]PendingRecord, 0, len(latest))
	for _, r := range latest {
		if r.Deleted {
			continue
		}
		out = append(out, r.Value)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1].Retries > out[j].Retries; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out, nil
}

// ---- config namespace ----

func (s *Store) SetConfig(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendLine(s.configPath, diskRecord[string]{ID: key, Value: value})
}

func (s *Store) GetConfig(key string) (string, bool, error) {
	s.mu.Lock()
	latest, err := latestByID[string](s.configPath)
	s.mu.Unlock()
	if err != nil {
		return "", false, err
	}
	r, ok := latest[key]
	if !ok || r.Deleted {
		return "", false, nil
	}
	return r.Value, true, nil
}

// ---- shared record/scan machinery ----

type diskRecord[T any] struct {
	ID      string `json:"id"`
	Value   T      `json:"value"`
	Deleted bool   `json:"deleted,omitempty"`
}

// latestByID scans an append-only JSONL table and collapses it to the
// most recent record per id, matching the teacher's scan-the-whole-file
// read path but folding in last-write-wins + tombstone semantics.
func latestByID[T any](path string) (map[string]diskRecord[T], error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", meshwireerr.ErrDurableStoreError, path, err)
	}
	defer f.Close()

	out := make(map[string]diskRecord[T])
	sc := newScanner(f)
	for sc.Scan() {
		var rec diskRecord[T]
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue // best-effort on read, per spec §7
		}
		out[rec.ID] = rec
	}
	if err := sc.Err(); err != nil {
		return out, nil // durable-store read errors are treated as empty/best-effort, spec §7
	}
	return out, nil
}
