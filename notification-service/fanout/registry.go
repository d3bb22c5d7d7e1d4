package fanout

import (
	"errors"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

var (
	ErrDuplicateConnection = errors.New("connection already registered")
	ErrMissingSubject      = errors.New("missing subject")
	ErrMissingConnection   = errors.New("missing connection id")
)

// Sink is the outbound side of one push connection. Deliver must not block;
// it reports false when the frame could not be queued.
type Sink interface {
	Deliver(payload []byte) bool
	Close()
}

type member struct {
	subject string
	sink    Sink
}

// Registry maps authenticated connections to the subject whose events they
// receive. Each connection belongs to exactly one subject for its lifetime.
type Registry struct {
	mu        sync.RWMutex
	byID      map[string]member
	bySubject map[string]map[string]Sink
	log       log.FieldLogger
}

func NewRegistry(logger log.FieldLogger) *Registry {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Registry{
		byID:      make(map[string]member),
		bySubject: make(map[string]map[string]Sink),
		log:       logger.WithField("component", "registry"),
	}
}

// Register adds a verified connection to its subject's group.
func (r *Registry) Register(connectionID, subjectID string, sink Sink) error {
	if connectionID == "" {
		return ErrMissingConnection
	}
	if subjectID == "" {
		return ErrMissingSubject
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[connectionID]; ok {
		return ErrDuplicateConnection
	}
	r.byID[connectionID] = member{subject: subjectID, sink: sink}
	group, ok := r.bySubject[subjectID]
	if !ok {
		group = make(map[string]Sink)
		r.bySubject[subjectID] = group
	}
	group[connectionID] = sink
	r.log.WithFields(log.Fields{"connection": connectionID, "user": subjectID, "members": len(group)}).Debug("connection registered")
	return nil
}

// Unregister removes the connection. It reports whether it was present.
func (r *Registry) Unregister(connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[connectionID]
	if !ok {
		return false
	}
	delete(r.byID, connectionID)
	if group, ok := r.bySubject[m.subject]; ok {
		delete(group, connectionID)
		if len(group) == 0 {
			delete(r.bySubject, m.subject)
		}
	}
	r.log.WithFields(log.Fields{"connection": connectionID, "user": m.subject}).Debug("connection unregistered")
	return true
}

// MembersOf returns the connection ids currently registered for subjectID.
func (r *Registry) MembersOf(subjectID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	group := r.bySubject[subjectID]
	out := make([]string, 0, len(group))
	for id := range group {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// sinksOf snapshots the sinks of a subject so delivery runs without the lock.
func (r *Registry) sinksOf(subjectID string) map[string]Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	group := r.bySubject[subjectID]
	if len(group) == 0 {
		return nil
	}
	out := make(map[string]Sink, len(group))
	for id, s := range group {
		out[id] = s
	}
	return out
}

// Len is the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Subjects is the number of subjects with at least one connection.
func (r *Registry) Subjects() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySubject)
}

// Close unregisters every connection and closes its sink.
func (r *Registry) Close() {
	r.mu.Lock()
	members := r.byID
	r.byID = make(map[string]member)
	r.bySubject = make(map[string]map[string]Sink)
	r.mu.Unlock()

	for _, m := range members {
		m.sink.Close()
	}
	r.log.WithField("connections", len(members)).Info("registry closed")
}
