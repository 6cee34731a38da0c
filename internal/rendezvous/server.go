package rendezvous

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
)

// Server is the in-memory relay: three idempotent-upsert record
// stores reachable over HTTP. A production deployment would back this
// with a real database; the contract (spec §6) only requires upsert-
// by-id semantics, which an in-memory map satisfies for the reference
// relay just as well as the teacher's handlers satisfy theirs against
// a real one.
type Server struct {
	*mux.Router

	mu       sync.Mutex
	devices  map[string]DeviceRecord
	messages map[string]MessageRecord
	presence map[string]PresenceRecord
}

func NewServer() *Server {
	s := &Server{
		Router:   mux.NewRouter(),
		devices:  make(map[string]DeviceRecord),
		messages: make(map[string]MessageRecord),
		presence: make(map[string]PresenceRecord),
	}
	s.HandleFunc("/devices/{id}", s.putDevice).Methods("PUT")
	s.HandleFunc("/devices", s.listDevices).Methods("GET")
	s.HandleFunc("/messages/{id}", s.putMessage).Methods("PUT")
	s.HandleFunc("/messages", s.listMessagesByReceiver).Methods("GET")
	s.HandleFunc("/presence/{id}", s.putPresence).Methods("PUT")
	s.HandleFunc("/presence/{id}", s.getPresence).Methods("GET")
	return s
}

func (s *Server) putDevice(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var rec DeviceRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	rec.DeviceID = id
	s.mu.Lock()
	s.devices[id] = rec
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := make([]DeviceRecord, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) putMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var rec MessageRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	rec.MessageID = id
	s.mu.Lock()
	s.messages[id] = rec
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// listMessagesByReceiver answers GET /messages?receiver_id=X, the
// fetch Syncer.AdmitPending runs on startup and after reconnect
// (spec §4.9), and that Driver's poll loop runs periodically.
func (s *Server) listMessagesByReceiver(w http.ResponseWriter, r *http.Request) {
	receiverID := r.URL.Query().Get("receiver_id")
	s.mu.Lock()
	out := make([]MessageRecord, 0)
	for _, m := range s.messages {
		if receiverID == "" || m.ReceiverID == receiverID {
			out = append(out, m)
		}
	}
	s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) putPresence(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var rec PresenceRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	rec.DeviceID = id
	s.mu.Lock()
	s.presence[id] = rec
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getPresence(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	rec, ok := s.presence[id]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}
