package gateway

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := newTestServer(t, newTestBroker())
	hs := httptest.NewServer(srv.WebSocketHandler(ctx))
	defer hs.Close()

	dialer := websocket.Dialer{Subprotocols: []string{"v12.stomp"}}
	ws, _, err := dialer.Dial("ws"+strings.TrimPrefix(hs.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()
	assert.Equal(t, "v12.stomp", ws.Subprotocol())

	write := func(f *frame.Frame) {
		var buf bytes.Buffer
		require.NoError(t, frame.NewWriter(&buf).Write(f))
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, buf.Bytes()))
	}
	read := func() *frame.Frame {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		f, err := frame.NewReader(bytes.NewReader(data)).Read()
		require.NoError(t, err)
		require.NotNil(t, f)
		return f
	}

	write(frame.New(frame.CONNECT, hdrAcceptVersion, "1.2"))
	assert.Equal(t, frame.CONNECTED, read().Command)

	// heart-beats are ignored
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("\n")))

	write(frame.New(frame.SUBSCRIBE, hdrDestination, "/queue/ws", hdrID, "s", hdrReceipt, "sub"))
	f := read()
	assert.Equal(t, frame.RECEIPT, f.Command)
	assert.Equal(t, "sub", f.Header.Get(hdrReceiptID))

	send := frame.New(frame.SEND, hdrDestination, "/queue/ws", hdrReceipt, "r1")
	send.Body = []byte("over websocket")
	write(send)

	var receipt, message *frame.Frame
	for range 2 {
		switch f := read(); f.Command {
		case frame.RECEIPT:
			receipt = f
		case frame.MESSAGE:
			message = f
		}
	}
	require.NotNil(t, receipt)
	require.NotNil(t, message)
	assert.Equal(t, "r1", receipt.Header.Get(hdrReceiptID))
	assert.Equal(t, "over websocket", string(message.Body))
}
