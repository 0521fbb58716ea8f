package ws

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
)

// SSEClient streams Server-Sent Events over an HTTP response writer. Send
// only queues; the goroutine serving the request drains Pending and writes,
// so a reader that stops reading never stalls the broadcaster.
type SSEClient struct {
	writer  io.Writer
	flusher http.Flusher
	log     *slog.Logger
	send    chan []byte
	done    chan struct{}
	once    sync.Once
}

// NewSSEClient builds an SSE client instance.
func NewSSEClient(writer io.Writer, flusher http.Flusher, logger *slog.Logger) *SSEClient {
	return &SSEClient{
		writer:  writer,
		flusher: flusher,
		log:     logger,
		send:    make(chan []byte, sendBuffer),
		done:    make(chan struct{}),
	}
}

// Send queues a log event without blocking.
func (c *SSEClient) Send(payload []byte) error {
	select {
	case <-c.done:
		return io.EOF
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Pending yields log events queued by Send.
func (c *SSEClient) Pending() <-chan []byte {
	return c.send
}

// Drain writes every queued log event.
func (c *SSEClient) Drain() error {
	for {
		select {
		case payload := <-c.send:
			if err := c.Deliver(payload); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// Deliver writes one log event frame.
func (c *SSEClient) Deliver(payload []byte) error {
	return c.write(fmt.Sprintf("event: log\ndata: %s\n\n", payload))
}

// Event writes a named event frame.
func (c *SSEClient) Event(name string, payload []byte) error {
	return c.write(fmt.Sprintf("event: %s\ndata: %s\n\n", name, payload))
}

// Heartbeat writes a comment frame to keep the connection alive.
func (c *SSEClient) Heartbeat() error {
	return c.write(": ping\n\n")
}

// Done is closed once the client is closed.
func (c *SSEClient) Done() <-chan struct{} {
	return c.done
}

// Close marks the stream as closed. Queued events are discarded.
func (c *SSEClient) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *SSEClient) write(frame string) error {
	select {
	case <-c.done:
		return io.EOF
	default:
	}
	if _, err := io.WriteString(c.writer, frame); err != nil {
		c.log.Warn("sse send failed", "error", err)
		c.Close()
		return err
	}
	c.flusher.Flush()
	return nil
}
