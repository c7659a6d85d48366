package memory

import "sync"

// mailbox is an unbounded FIFO drained into an output channel by run. push
// never blocks, so the broker can fan out while holding its lock.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	signal chan struct{}
	out    chan T
}

func newMailbox[T any](size int) *mailbox[T] {
	return &mailbox[T]{
		signal: make(chan struct{}, 1),
		out:    make(chan T, size),
	}
}

func (m *mailbox[T]) push(v T) {
	m.mu.Lock()
	m.items = append(m.items, v)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) take() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

func (m *mailbox[T]) run(done <-chan struct{}) {
	for {
		for _, v := range m.take() {
			select {
			case m.out <- v:
			case <-done:
				return
			}
		}

		select {
		case <-m.signal:
		case <-done:
			return
		}
	}
}
