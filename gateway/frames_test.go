package gateway

import (
	"testing"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-stomp/substrate"
)

func TestNegotiateVersion(t *testing.T) {
	tests := []struct {
		accept string
		want   string
		ok     bool
	}{
		{"", "1.0", true},
		{"1.0", "1.0", true},
		{"1.0,1.1", "1.1", true},
		{"1.1, 1.2", "1.2", true},
		{"1.2,1.0", "1.2", true},
		{"2.0", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.accept, func(t *testing.T) {
			got, ok := negotiateVersion(tt.accept)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAckID(t *testing.T) {
	id := ackID("sub-1", 42)
	assert.Equal(t, "sub-1@@42", id)

	sub, tag, err := parseAckID(id)
	require.NoError(t, err)
	assert.Equal(t, "sub-1", sub)
	assert.Equal(t, uint64(42), tag)

	sub, tag, err = parseAckID("/queue/a@@b@@7")
	require.NoError(t, err)
	assert.Equal(t, "/queue/a@@b", sub)
	assert.Equal(t, uint64(7), tag)

	for _, bad := range []string{"", "nosep", "@@3", "sub@@", "sub@@x", "sub@@0"} {
		_, _, err := parseAckID(bad)
		assert.Error(t, err, bad)
	}
}

func TestErrorFrame(t *testing.T) {
	f := errorFrame(Report{
		Kind:      KindNotFound,
		Message:   "not_found",
		Detail:    "NOT_FOUND - no exchange 'does.not.exist' in vhost '/'",
		ReceiptID: "r-9",
	})

	assert.Equal(t, frame.ERROR, f.Command)
	assert.Equal(t, "not_found", f.Header.Get(hdrMessage))
	assert.Equal(t, "r-9", f.Header.Get(hdrReceiptID))
	assert.Equal(t, "NOT_FOUND - no exchange 'does.not.exist' in vhost '/'\n", string(f.Body))
	assert.Equal(t, "54", f.Header.Get(hdrContentLength))

	f = errorFrame(Report{Message: "protocol_error", Detail: "done\n"})
	assert.Equal(t, "done\n", string(f.Body))
	_, ok := f.Header.Contains(hdrReceiptID)
	assert.False(t, ok)
}

func TestMessageFromFrame(t *testing.T) {
	f := frame.New(frame.SEND,
		hdrDestination, "/queue/orders",
		hdrReceipt, "r1",
		hdrTransaction, "tx",
		hdrContentType, "application/json",
		hdrPersistent, "true",
		"x-trace", "abc",
	)
	f.Body = []byte(`{"id":1}`)

	msg := messageFromFrame(f)
	assert.Equal(t, []byte(`{"id":1}`), msg.Body)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.True(t, msg.Persistent)
	assert.Equal(t, map[string]string{"x-trace": "abc"}, msg.Headers)
}

func TestMessageFrame(t *testing.T) {
	sub := &subscription{id: "s1", destination: "/topic/news", ack: ackClient}
	f := messageFrame(sub, substrate.Delivery{
		Subscription: "s1",
		Tag:          3,
		Redelivered:  true,
		Message: substrate.Message{
			Body:        []byte("hello"),
			ContentType: "text/plain",
			Headers:     map[string]string{"x-trace": "abc", hdrDestination: "/queue/spoofed"},
		},
	})

	assert.Equal(t, frame.MESSAGE, f.Command)
	assert.Equal(t, "/topic/news", f.Header.Get(hdrDestination))
	assert.Equal(t, "s1@@3", f.Header.Get(hdrMessageID))
	assert.Equal(t, "s1@@3", f.Header.Get(hdrAck))
	assert.Equal(t, "s1", f.Header.Get(hdrSubscription))
	assert.Equal(t, "true", f.Header.Get(hdrRedelivered))
	assert.Equal(t, "abc", f.Header.Get("x-trace"))
	assert.Equal(t, "5", f.Header.Get(hdrContentLength))
	assert.Equal(t, "hello", string(f.Body))

	auto := messageFrame(&subscription{id: "s2", destination: "/queue/q", ack: ackAuto}, substrate.Delivery{Tag: 1})
	_, ok := auto.Header.Contains(hdrAck)
	assert.False(t, ok)
}
