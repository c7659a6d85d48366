package gateway

import (
	"github.com/glimte/mmate-stomp/destination"
	"github.com/glimte/mmate-stomp/substrate"
)

type bufferedSend struct {
	target    destination.Descriptor
	msg       substrate.Message
	receiptID string
}

type txState int

const (
	txNone txState = iota
	txOpen
	txCommitting
)

// transactions buffers the sends of the single transaction a connection
// may have open.
type transactions struct {
	state txState
	id    string
	sends []bufferedSend
}

func (t *transactions) active() (string, bool) {
	return t.id, t.state != txNone
}

func (t *transactions) begin(id string) error {
	if id == "" {
		return &TransactionError{Op: "begin", ID: id, Err: ErrNoSuchTransaction}
	}
	if t.state != txNone {
		return &TransactionError{Op: "begin", ID: id, Err: ErrAlreadyInTransaction}
	}
	t.state = txOpen
	t.id = id
	t.sends = nil
	return nil
}

func (t *transactions) add(id string, s bufferedSend) error {
	if t.state != txOpen || t.id != id {
		return &TransactionError{Op: "send in", ID: id, Err: ErrNoSuchTransaction}
	}
	t.sends = append(t.sends, s)
	return nil
}

// commit hands every buffered send to submit in order. Draining stops early
// when submit returns false. The transaction is closed either way.
func (t *transactions) commit(id string, submit func(bufferedSend) bool) error {
	if t.state != txOpen || t.id != id {
		return &TransactionError{Op: "commit", ID: id, Err: ErrNoSuchTransaction}
	}

	t.state = txCommitting
	sends := t.sends
	defer t.reset()

	for _, s := range sends {
		if !submit(s) {
			break
		}
	}
	return nil
}

// abort discards the buffered sends and returns how many were dropped.
func (t *transactions) abort(id string) (int, error) {
	if t.state != txOpen || t.id != id {
		return 0, &TransactionError{Op: "abort", ID: id, Err: ErrNoSuchTransaction}
	}
	n := len(t.sends)
	t.reset()
	return n, nil
}

// discard drops any open transaction without submitting it.
func (t *transactions) discard() int {
	n := len(t.sends)
	t.reset()
	return n
}

func (t *transactions) reset() {
	t.state = txNone
	t.id = ""
	t.sends = nil
}
