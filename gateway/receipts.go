package gateway

import (
	"slices"

	"github.com/google/btree"
)

type pendingReceipt struct {
	seq       uint64
	receiptID string // empty when the client did not ask for a receipt
	txID      string
}

// receiptTracker indexes every submission of one connection by substrate
// sequence until the substrate confirms it. It is owned by the connection
// worker and is not safe for concurrent use.
type receiptTracker struct {
	entries  *btree.BTreeG[pendingReceipt]
	last     uint64
	receipts int
}

func newReceiptTracker() *receiptTracker {
	return &receiptTracker{
		entries: btree.NewG(32, func(a, b pendingReceipt) bool {
			return a.seq < b.seq
		}),
	}
}

// register records a submission. Sequences must strictly increase.
func (t *receiptTracker) register(seq uint64, receiptID, txID string) error {
	if seq <= t.last {
		return &RangeError{Start: seq, End: seq, Last: t.last, Reason: "sequence did not increase"}
	}

	t.entries.ReplaceOrInsert(pendingReceipt{seq: seq, receiptID: receiptID, txID: txID})
	t.last = seq
	if receiptID != "" {
		t.receipts++
	}
	return nil
}

// resolveRange removes every submission in [start, end] and returns the
// receipt ids among them in submission order. The range must cover only
// submissions that are still pending.
func (t *receiptTracker) resolveRange(start, end uint64) ([]string, error) {
	switch {
	case start == 0:
		return nil, &RangeError{Start: start, End: end, Last: t.last, Reason: "sequences start at 1"}
	case start > end:
		return nil, &RangeError{Start: start, End: end, Last: t.last, Reason: "inverted range"}
	case end > t.last:
		return nil, &RangeError{Start: start, End: end, Last: t.last, Reason: "range covers unsubmitted sequences"}
	}

	var covered []pendingReceipt
	t.entries.AscendGreaterOrEqual(pendingReceipt{seq: start}, func(p pendingReceipt) bool {
		if p.seq > end {
			return false
		}
		covered = append(covered, p)
		return true
	})
	if uint64(len(covered)) != end-start+1 {
		return nil, &RangeError{Start: start, End: end, Last: t.last, Reason: "range overlaps settled sequences"}
	}

	ids := make([]string, 0, len(covered))
	for _, p := range covered {
		t.entries.Delete(p)
		if p.receiptID != "" {
			ids = append(ids, p.receiptID)
			t.receipts--
		}
	}
	return ids, nil
}

// drop forgets every pending submission. It returns how many receipts were
// lost and the transactions whose commits had not been fully confirmed.
func (t *receiptTracker) drop() (int, []string) {
	var txIDs []string
	t.entries.Ascend(func(p pendingReceipt) bool {
		if p.txID != "" && !slices.Contains(txIDs, p.txID) {
			txIDs = append(txIDs, p.txID)
		}
		return true
	})

	lost := t.receipts
	t.entries.Clear(false)
	t.receipts = 0
	return lost, txIDs
}

// outstanding is the number of receipts still awaiting confirmation.
func (t *receiptTracker) outstanding() int {
	return t.receipts
}

func (t *receiptTracker) len() int {
	return t.entries.Len()
}
