package live

import (
	"fmt"
	"net/http"

	"github.com/good-yellow-bee/cowork/internal/room"
)

// SSEWriter provides Server-Sent Events writing capabilities.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer.
func NewSSEWriter(w http.ResponseWriter, flusher http.Flusher) *SSEWriter {
	return &SSEWriter{
		w:       w,
		flusher: flusher,
	}
}

// SendEvent sends an SSE event with the given event type and data.
// Format: event: <type>\ndata: <data>\n\n
func (s *SSEWriter) SendEvent(event, data string) error {
	_, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	if err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// SendComment sends a comment (ignored by clients, useful for keepalive).
// Format: : <comment>\n\n
func (s *SSEWriter) SendComment(comment string) error {
	_, err := fmt.Fprintf(s.w, ": %s\n\n", comment)
	if err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// SendRetry tells the client to wait the specified milliseconds before reconnecting.
// Format: retry: <ms>\n\n
func (s *SSEWriter) SendRetry(milliseconds int) error {
	_, err := fmt.Fprintf(s.w, "retry: %d\n\n", milliseconds)
	if err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// sseTransport delivers room events as server-sent events. The stream is
// read-only; clients post over REST.
type sseTransport struct {
	sse *SSEWriter
}

func newSSETransport(sse *SSEWriter) *sseTransport {
	return &sseTransport{sse: sse}
}

func (t *sseTransport) WriteEvent(ev room.Event) error {
	if ev.Name == room.EventHeartbeat {
		return t.sse.SendComment(room.EventHeartbeat)
	}
	data := ev.Data
	if len(data) == 0 {
		data = []byte("{}")
	}
	return t.sse.SendEvent(ev.Name, string(data))
}

// Close is a no-op; the stream ends when the handler's write pump returns.
func (t *sseTransport) Close() error {
	return nil
}
