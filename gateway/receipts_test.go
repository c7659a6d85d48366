package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReceiptTracker(t *testing.T) {
	t.Run("resolves receipts in sequence order", func(t *testing.T) {
		tracker := newReceiptTracker()
		require.NoError(t, tracker.register(1, "a", ""))
		require.NoError(t, tracker.register(2, "", ""))
		require.NoError(t, tracker.register(3, "b", ""))
		assert.Equal(t, 2, tracker.outstanding())
		assert.Equal(t, 3, tracker.len())

		ids, err := tracker.resolveRange(1, 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids)
		assert.Equal(t, 0, tracker.outstanding())
		assert.Equal(t, 0, tracker.len())
	})

	t.Run("single confirmations resolve one entry each", func(t *testing.T) {
		tracker := newReceiptTracker()
		for i, id := range []string{"x", "y", "z"} {
			require.NoError(t, tracker.register(uint64(i+1), id, ""))
		}

		var got []string
		for seq := uint64(1); seq <= 3; seq++ {
			ids, err := tracker.resolveRange(seq, seq)
			require.NoError(t, err)
			got = append(got, ids...)
		}
		assert.Equal(t, []string{"x", "y", "z"}, got)
	})

	t.Run("unreceipted range yields nothing", func(t *testing.T) {
		tracker := newReceiptTracker()
		require.NoError(t, tracker.register(1, "", ""))
		require.NoError(t, tracker.register(2, "", ""))

		ids, err := tracker.resolveRange(1, 2)
		require.NoError(t, err)
		assert.Empty(t, ids)
		assert.Equal(t, 0, tracker.len())
	})

	t.Run("partial range leaves later entries", func(t *testing.T) {
		tracker := newReceiptTracker()
		for i, id := range []string{"a", "b", "c", "d", "e"} {
			require.NoError(t, tracker.register(uint64(i+1), id, ""))
		}

		ids, err := tracker.resolveRange(1, 2)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, ids)
		assert.Equal(t, 3, tracker.outstanding())

		ids, err = tracker.resolveRange(3, 5)
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "d", "e"}, ids)
	})

	t.Run("sequences must increase", func(t *testing.T) {
		tracker := newReceiptTracker()
		require.NoError(t, tracker.register(2, "a", ""))

		err := tracker.register(2, "b", "")
		assert.ErrorIs(t, err, ErrRangeViolation)
		err = tracker.register(1, "b", "")
		assert.ErrorIs(t, err, ErrRangeViolation)
	})

	t.Run("invalid ranges", func(t *testing.T) {
		tests := []struct {
			name       string
			start, end uint64
		}{
			{"zero start", 0, 1},
			{"inverted", 3, 2},
			{"beyond last submission", 1, 4},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				tracker := newReceiptTracker()
				for seq := uint64(1); seq <= 3; seq++ {
					require.NoError(t, tracker.register(seq, "r", ""))
				}

				_, err := tracker.resolveRange(tt.start, tt.end)
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrRangeViolation)

				var rerr *RangeError
				require.ErrorAs(t, err, &rerr)
				assert.Equal(t, tt.start, rerr.Start)
				assert.Equal(t, tt.end, rerr.End)
				assert.Equal(t, uint64(3), rerr.Last)
				assert.Equal(t, 3, tracker.len())
			})
		}
	})

	t.Run("confirming a settled sequence twice", func(t *testing.T) {
		tracker := newReceiptTracker()
		require.NoError(t, tracker.register(1, "a", ""))
		require.NoError(t, tracker.register(2, "b", ""))

		_, err := tracker.resolveRange(1, 1)
		require.NoError(t, err)

		_, err = tracker.resolveRange(1, 2)
		assert.ErrorIs(t, err, ErrRangeViolation)
		assert.Equal(t, 1, tracker.outstanding())
	})

	t.Run("drop forgets everything", func(t *testing.T) {
		tracker := newReceiptTracker()
		require.NoError(t, tracker.register(1, "a", ""))
		require.NoError(t, tracker.register(2, "", "tx"))
		require.NoError(t, tracker.register(3, "c", "tx"))

		lost, txIDs := tracker.drop()
		assert.Equal(t, 2, lost)
		assert.Equal(t, []string{"tx"}, txIDs)
		assert.Equal(t, 0, tracker.len())
		assert.Equal(t, 0, tracker.outstanding())

		require.NoError(t, tracker.register(4, "d", ""))
		lost, txIDs = tracker.drop()
		assert.Equal(t, 1, lost)
		assert.Empty(t, txIDs)
	})
}
