package gateway

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
)

// transport carries frames for one client connection. ReadFrame is called
// only by the reader goroutine and WriteFrame only by the writer goroutine.
type transport interface {
	// ReadFrame returns the next frame, or nil for a heart-beat
	ReadFrame() (*frame.Frame, error)
	WriteFrame(f *frame.Frame) error
	RemoteAddr() string
	Close() error
}

// streamTransport frames STOMP over a byte stream such as TCP
type streamTransport struct {
	conn   net.Conn
	reader *frame.Reader
	writer *frame.Writer
	once   sync.Once
}

func newStreamTransport(conn net.Conn) *streamTransport {
	return &streamTransport{
		conn:   conn,
		reader: frame.NewReader(conn),
		writer: frame.NewWriter(conn),
	}
}

func (t *streamTransport) ReadFrame() (*frame.Frame, error) {
	return t.reader.Read()
}

func (t *streamTransport) WriteFrame(f *frame.Frame) error {
	return t.writer.Write(f)
}

func (t *streamTransport) RemoteAddr() string {
	if addr := t.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (t *streamTransport) Close() error {
	var err error
	t.once.Do(func() {
		err = t.conn.Close()
	})
	return err
}

// isDisconnect reports whether a read error means the peer went away rather
// than sent something undecodable.
func isDisconnect(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ce *websocket.CloseError
	return errors.As(err, &ce)
}
