package ws

import "sync"

// Stream is an in-process subscriber backed by a buffered channel.
type Stream struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

// NewStream returns a Stream buffering up to size payloads.
func NewStream(size int) *Stream {
	if size <= 0 {
		size = 64
	}
	return &Stream{ch: make(chan []byte, size)}
}

// C yields payloads until the stream is closed.
func (s *Stream) C() <-chan []byte {
	return s.ch
}

// Send enqueues payload without blocking.
func (s *Stream) Send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSlowConsumer
	}
	select {
	case s.ch <- payload:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close closes the channel; safe to call more than once.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
