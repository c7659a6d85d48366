package destination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	t.Run("exchange with routing key", func(t *testing.T) {
		d, err := Resolve("/exchange/amq.direct/route")
		require.NoError(t, err)
		assert.Equal(t, Exchange, d.Kind)
		assert.Equal(t, "amq.direct", d.Name)
		assert.Equal(t, "route", d.RoutingKey)
		assert.True(t, d.HasRoutingKey)
	})

	t.Run("exchange without routing key", func(t *testing.T) {
		d, err := Resolve("/exchange/amq.fanout")
		require.NoError(t, err)
		assert.Equal(t, Exchange, d.Kind)
		assert.Equal(t, "amq.fanout", d.Name)
		assert.False(t, d.HasRoutingKey)
		assert.Empty(t, d.RoutingKey)
	})

	t.Run("exchange with empty routing key is still a key", func(t *testing.T) {
		d, err := Resolve("/exchange/amq.direct/")
		require.NoError(t, err)
		assert.True(t, d.HasRoutingKey)
		assert.Empty(t, d.RoutingKey)
	})

	t.Run("queue", func(t *testing.T) {
		d, err := Resolve("/queue/test")
		require.NoError(t, err)
		assert.Equal(t, Descriptor{Kind: Queue, Name: "test"}, d)
	})

	t.Run("topic", func(t *testing.T) {
		d, err := Resolve("/topic/stocks.nasdaq")
		require.NoError(t, err)
		assert.Equal(t, Descriptor{Kind: Topic, Name: "stocks.nasdaq"}, d)
	})

	t.Run("leading separator is optional", func(t *testing.T) {
		d, err := Resolve("queue/test")
		require.NoError(t, err)
		assert.Equal(t, "test", d.Name)
	})
}

func TestResolveMalformed(t *testing.T) {
	tests := []struct {
		name string
		dest string
	}{
		{"empty", ""},
		{"only separator", "/"},
		{"unknown kind", "/bogus/test"},
		{"kind is case sensitive", "/Queue/test"},
		{"missing exchange name", "/exchange"},
		{"empty exchange name", "/exchange//key"},
		{"too many exchange segments", "/exchange/x/key/extra"},
		{"missing queue name", "/queue/"},
		{"extra queue segment", "/queue/a/b"},
		{"extra topic segment", "/topic/a/b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.dest)
			require.Error(t, err)
			assert.True(t, IsMalformed(err))

			var derr *Error
			require.ErrorAs(t, err, &derr)
			assert.Equal(t, tt.dest, derr.Destination)
			assert.NotEmpty(t, derr.Reason)
		})
	}
}

func TestDescriptorString(t *testing.T) {
	for _, dest := range []string{
		"/exchange/amq.direct/route",
		"/exchange/amq.fanout",
		"/queue/test",
		"/topic/a.b",
	} {
		d, err := Resolve(dest)
		require.NoError(t, err)
		assert.Equal(t, dest, d.String())
	}
}
