package gateway

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
)

var stompSubprotocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

// wsTransport carries one STOMP frame per WebSocket text message
type wsTransport struct {
	ws     *websocket.Conn
	remote string
	once   sync.Once
}

func newWSTransport(ws *websocket.Conn, remote string) *wsTransport {
	return &wsTransport{ws: ws, remote: remote}
}

func (t *wsTransport) ReadFrame() (*frame.Frame, error) {
	for {
		mt, data, err := t.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if len(bytes.TrimSpace(data)) == 0 {
			// heart-beat
			return nil, nil
		}

		f, err := frame.NewReader(bytes.NewReader(data)).Read()
		if err != nil {
			return nil, err
		}
		if f == nil {
			return nil, errors.New("websocket message carried no frame")
		}
		return f, nil
	}
}

func (t *wsTransport) WriteFrame(f *frame.Frame) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return err
	}
	return t.ws.WriteMessage(websocket.TextMessage, buf.Bytes())
}

func (t *wsTransport) RemoteAddr() string {
	return t.remote
}

func (t *wsTransport) Close() error {
	var err error
	t.once.Do(func() {
		err = t.ws.Close()
	})
	return err
}

// WebSocketHandler serves STOMP over WebSocket until ctx is cancelled
func (s *Server) WebSocketHandler(ctx context.Context) http.Handler {
	upgrader := websocket.Upgrader{
		Subprotocols: stompSubprotocols,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.acquire() {
			s.logger.Warn("connection limit reached", "remote", r.RemoteAddr, "transport", "websocket")
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
		defer s.release()

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}

		s.logger.Debug("websocket connection accepted", "remote", r.RemoteAddr, "subprotocol", ws.Subprotocol())
		s.serve(ctx, newWSTransport(ws, r.RemoteAddr))
	})
}

// ListenAndServeWebSocket serves STOMP over WebSocket on addr at path until
// ctx is cancelled.
func (s *Server) ListenAndServeWebSocket(ctx context.Context, addr, path string) error {
	if path == "" {
		path = "/stomp"
	}

	mux := http.NewServeMux()
	mux.Handle(path, s.WebSocketHandler(ctx))
	srv := &http.Server{Addr: addr, Handler: mux}

	s.logger.Info("websocket listener starting", "addr", addr, "path", path)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.submitTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("websocket listener shutdown failed", "error", err)
			return err
		}
		s.logger.Info("websocket listener stopped")
		return nil
	}
}
