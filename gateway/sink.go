package gateway

// EventSink receives the client-visible outcomes of a connection: receipts
// and ERROR reports.
type EventSink interface {
	OnAcknowledgment(receiptID string)
	OnError(r Report)
}

// frameSink writes outcomes back to the client as STOMP frames
type frameSink struct {
	s *session
}

func (f frameSink) OnAcknowledgment(receiptID string) {
	f.s.metrics.receipt(f.s.ctx)
	f.s.emit(receiptFrame(receiptID))
}

func (f frameSink) OnError(r Report) {
	f.s.metrics.errorReported(f.s.ctx, r)
	f.s.emit(errorFrame(r))
}

// teeSink forwards outcomes to every sink in order
type teeSink []EventSink

func (t teeSink) OnAcknowledgment(receiptID string) {
	for _, s := range t {
		s.OnAcknowledgment(receiptID)
	}
}

func (t teeSink) OnError(r Report) {
	for _, s := range t {
		s.OnError(r)
	}
}
