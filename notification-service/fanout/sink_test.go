package fanout

import "sync"

type memSink struct {
	mu     sync.Mutex
	frames [][]byte
	full   bool
	closed bool
}

func (s *memSink) Deliver(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full || s.closed {
		return false
	}
	s.frames = append(s.frames, payload)
	return true
}

func (s *memSink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *memSink) Frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.frames...)
}
