// Package platformtest serves an in-memory storage service on a messenger so
// tests can exercise the real storage client.
package platformtest

import (
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	domain "github.com/slidebolt/sb-domain"
	messenger "github.com/slidebolt/sb-messenger-sdk"
)

type request struct {
	Key    string          `json:"key"`
	Data   json.RawMessage `json:"data"`
	Target string          `json:"target,omitempty"`
}

type response struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// Store answers storage.save, storage.get and storage.delete for the
// default target.
type Store struct {
	mu      sync.Mutex
	data    map[string]json.RawMessage
	deleted []string
}

// NewMessenger starts an embedded messenger that is closed with the test.
func NewMessenger(t *testing.T) messenger.Messenger {
	t.Helper()
	msg, err := messenger.Mock()
	if err != nil {
		t.Fatalf("messenger: %v", err)
	}
	t.Cleanup(msg.Close)
	return msg
}

// NewStore subscribes a Store to msg for the lifetime of the test.
func NewStore(t *testing.T, msg messenger.Messenger) *Store {
	t.Helper()
	s := &Store{data: map[string]json.RawMessage{}}
	sub, err := msg.Subscribe("storage.*", s.handle)
	if err != nil {
		t.Fatalf("subscribe storage: %v", err)
	}
	if err := msg.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return s
}

func (s *Store) handle(m *messenger.Message) {
	var req request
	resp := response{OK: true}
	if err := json.Unmarshal(m.Data, &req); err != nil {
		resp = response{Error: err.Error()}
	} else {
		s.mu.Lock()
		switch strings.TrimPrefix(m.Subject, "storage.") {
		case "save":
			s.data[req.Key] = req.Data
		case "get":
			if d, ok := s.data[req.Key]; ok {
				resp.Data = d
			} else {
				resp = response{Error: "not found: " + req.Key}
			}
		case "delete":
			delete(s.data, req.Key)
			s.deleted = append(s.deleted, req.Key)
		default:
			resp = response{Error: "unsupported: " + m.Subject}
		}
		s.mu.Unlock()
	}
	b, _ := json.Marshal(resp)
	_ = m.Respond(b)
}

// Entity decodes the entity saved under key.
func (s *Store) Entity(key string) (domain.Entity, bool) {
	s.mu.Lock()
	raw, ok := s.data[key]
	s.mu.Unlock()
	if !ok {
		return domain.Entity{}, false
	}
	var e domain.Entity
	if err := json.Unmarshal(raw, &e); err != nil {
		return domain.Entity{}, false
	}
	return e, true
}

// Has reports whether anything is saved under key.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[key]
	return ok
}

// Deleted returns the deleted keys in order.
func (s *Store) Deleted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}
