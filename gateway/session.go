package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/glimte/mmate-stomp/destination"
	"github.com/glimte/mmate-stomp/substrate"
)

type subscription struct {
	id          string
	destination string
	target      destination.Descriptor
	ack         string
}

// session is one client connection. A reader goroutine decodes frames, a
// writer goroutine encodes them, and the worker goroutine running run owns
// everything else: the receipt tracker, the open transaction and the
// substrate session. No locks guard that state.
type session struct {
	id      string
	server  *Server
	opts    *options
	logger  *slog.Logger
	metrics *Metrics
	tr      transport

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	loops     sync.WaitGroup

	inbound  chan *frame.Frame
	readErr  chan error
	outbound chan *frame.Frame
	limiter  *rate.Limiter

	connected         bool
	version           string
	sub               substrate.Session
	sink              EventSink
	tracker           *receiptTracker
	correlator        *correlator
	tx                transactions
	reporter          *reporter
	subscriptions     map[string]*subscription
	disconnecting     bool
	disconnectReceipt string
	disconnectTimer   *time.Timer
}

func newSession(parent context.Context, srv *Server, tr transport) *session {
	ctx, cancel := context.WithCancel(parent)
	id := uuid.NewString()

	s := &session{
		id:            id,
		server:        srv,
		opts:          &srv.opts,
		logger:        srv.logger.With("session", id, "remote", tr.RemoteAddr()),
		metrics:       srv.metrics,
		tr:            tr,
		ctx:           ctx,
		cancel:        cancel,
		inbound:       make(chan *frame.Frame, srv.opts.inboundQueue),
		readErr:       make(chan error, 1),
		outbound:      make(chan *frame.Frame, srv.opts.outboundQueue),
		tracker:       newReceiptTracker(),
		subscriptions: make(map[string]*subscription),
	}

	if srv.opts.frameRate > 0 {
		burst := srv.opts.frameBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(srv.opts.frameRate), burst)
	}

	var sink EventSink = frameSink{s: s}
	if srv.opts.observer != nil {
		if obs := srv.opts.observer(id); obs != nil {
			sink = teeSink{sink, obs}
		}
	}
	s.sink = sink

	s.reporter = &reporter{
		sink:       sink,
		grace:      srv.opts.errorGrace,
		onTerminal: s.abandon,
		shutdown:   s.shutdown,
		logger:     s.logger,
	}
	s.correlator = &correlator{
		tracker:  s.tracker,
		sink:     sink,
		reporter: s.reporter,
		policy:   srv.opts.nackPolicy,
		logger:   s.logger,
		metrics:  s.metrics,
	}
	return s
}

func (s *session) serve() {
	s.metrics.connectionOpened(s.ctx)
	s.logger.Debug("connection opened")

	s.loops.Add(2)
	go s.readLoop()
	go s.writeLoop()

	s.run()
	s.teardown()
	s.loops.Wait()

	s.metrics.connectionClosed(context.Background())
	s.logger.Debug("connection closed")
}

func (s *session) run() {
	for {
		select {
		case <-s.ctx.Done():
			return

		case f, ok := <-s.inbound:
			if !ok {
				return
			}
			s.handle(f)

		case err := <-s.readErr:
			s.reporter.report(Report{
				Kind:    KindProtocol,
				Message: "protocol_error",
				Detail:  err.Error(),
			})

		case c, ok := <-s.confirmations():
			if !ok {
				s.fail(substrate.ErrSessionClosed)
				continue
			}
			s.onConfirmation(c)

		case d, ok := <-s.deliveries():
			if !ok {
				s.fail(substrate.ErrSessionClosed)
				continue
			}
			s.onDelivery(d)

		case err, ok := <-s.failures():
			if !ok {
				err = substrate.ErrSessionClosed
			}
			s.fail(err)
		}
	}
}

// shutdown closes the transport and stops every goroutine of the session.
// It is safe to call from any goroutine.
func (s *session) shutdown() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.tr.Close()
	})
}

func (s *session) teardown() {
	s.shutdown()
	s.reporter.stop()
	if s.disconnectTimer != nil {
		s.disconnectTimer.Stop()
	}
	s.abandon()

	if s.sub != nil {
		if err := s.sub.Close(); err != nil {
			s.logger.Warn("closing substrate session failed", "error", err)
		}
		s.sub = nil
	}
}

// abandon forgets receipts and buffered sends that can no longer complete
func (s *session) abandon() {
	if n, txIDs := s.tracker.drop(); n > 0 || len(txIDs) > 0 {
		s.logger.Warn("dropping unconfirmed receipts", "receipts", n, "committed_transactions", txIDs)
	}
	if id, open := s.tx.active(); open {
		s.logger.Debug("discarding open transaction", "transaction", id, "sends", s.tx.discard())
	}
}

// the substrate channels are nil until CONNECT so the worker never selects them
func (s *session) confirmations() <-chan substrate.Confirmation {
	if s.sub == nil || s.reporter.terminal() {
		return nil
	}
	return s.sub.Confirmations()
}

func (s *session) deliveries() <-chan substrate.Delivery {
	if s.sub == nil || s.reporter.terminal() {
		return nil
	}
	return s.sub.Deliveries()
}

func (s *session) failures() <-chan error {
	if s.sub == nil || s.reporter.terminal() {
		return nil
	}
	return s.sub.Failures()
}

func (s *session) readLoop() {
	defer s.loops.Done()

	for {
		f, err := s.tr.ReadFrame()
		if err != nil {
			if s.ctx.Err() != nil || isDisconnect(err) {
				close(s.inbound)
				return
			}
			s.logger.Debug("failed to decode frame", "error", err)
			s.readErr <- fmt.Errorf("malformed frame: %w", err)
			return
		}
		if f == nil {
			continue
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(s.ctx); err != nil {
				return
			}
		}

		select {
		case s.inbound <- f:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *session) writeLoop() {
	defer s.loops.Done()

	for {
		select {
		case f := <-s.outbound:
			if f == nil {
				s.shutdown()
				return
			}
			if err := s.tr.WriteFrame(f); err != nil {
				s.logger.Debug("failed to write frame", "command", f.Command, "error", err)
				s.shutdown()
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// emit queues a frame for the writer
func (s *session) emit(f *frame.Frame) {
	select {
	case s.outbound <- f:
	case <-s.ctx.Done():
	}
}

// closeAfterFlush closes the connection once every queued frame is written
func (s *session) closeAfterFlush() {
	s.emit(nil)
}

func (s *session) receipt(receiptID string) {
	if receiptID != "" {
		s.sink.OnAcknowledgment(receiptID)
	}
}

func (s *session) handle(f *frame.Frame) {
	s.metrics.frame(s.ctx, f.Command)

	if s.reporter.terminal() || s.disconnecting {
		s.logger.Debug("ignoring frame on closing connection", "command", f.Command)
		return
	}

	if !s.connected {
		switch f.Command {
		case frame.CONNECT, frame.STOMP:
			s.handleConnect(f)
		default:
			s.reporter.report(Report{
				Kind:    KindProtocol,
				Message: "protocol_error",
				Detail:  fmt.Sprintf("expected CONNECT frame, got %s", f.Command),
			})
		}
		return
	}

	switch f.Command {
	case frame.SEND:
		s.handleSend(f)
	case frame.SUBSCRIBE:
		s.handleSubscribe(f)
	case frame.UNSUBSCRIBE:
		s.handleUnsubscribe(f)
	case frame.ACK:
		s.handleAck(f, false)
	case frame.NACK:
		s.handleAck(f, true)
	case frame.BEGIN:
		s.handleBegin(f)
	case frame.COMMIT:
		s.handleCommit(f)
	case frame.ABORT:
		s.handleAbort(f)
	case frame.DISCONNECT:
		s.handleDisconnect(f)
	case frame.CONNECT, frame.STOMP:
		s.rejectProtocol("already connected", f.Header.Get(hdrReceipt))
	default:
		s.rejectProtocol(fmt.Sprintf("unknown command %s", f.Command), f.Header.Get(hdrReceipt))
	}
}

func (s *session) rejectProtocol(detail, receiptID string) {
	s.reporter.reject(Report{
		Kind:      KindProtocol,
		Message:   "protocol_error",
		Detail:    detail,
		ReceiptID: receiptID,
	})
}

func (s *session) rejectDestination(err error, receiptID string) {
	if !destination.IsMalformed(err) {
		s.rejectProtocol(err.Error(), receiptID)
		return
	}
	s.reporter.reject(Report{
		Kind:      KindMalformedDestination,
		Message:   "invalid_destination",
		Detail:    err.Error(),
		ReceiptID: receiptID,
	})
}

func (s *session) rejectTransaction(err error, receiptID string) {
	kind := KindNoSuchTransaction
	var terr *TransactionError
	if errors.As(err, &terr) {
		kind = terr.kind()
	}
	s.reporter.reject(Report{
		Kind:      kind,
		Message:   "invalid_transaction",
		Detail:    err.Error(),
		ReceiptID: receiptID,
	})
}

// fail reports a substrate error. It always ends the connection.
func (s *session) fail(err error) {
	if s.reporter.terminal() {
		s.logger.Debug("substrate error after terminal report", "error", err)
		return
	}

	var serr *substrate.Error
	if errors.As(err, &serr) {
		kind := KindSubstrateFailure
		if serr.Code == substrate.NotFound {
			kind = KindNotFound
		}
		s.reporter.report(Report{Kind: kind, Message: serr.Short(), Detail: serr.Reason})
		return
	}

	s.logger.Error("substrate operation failed", "error", err)
	s.reporter.report(Report{
		Kind:    KindSubstrateFailure,
		Message: "substrate_failure",
		Detail:  err.Error(),
	})
}

func (s *session) handleConnect(f *frame.Frame) {
	version, ok := negotiateVersion(f.Header.Get(hdrAcceptVersion))
	if !ok {
		s.reporter.report(Report{
			Kind:    KindProtocol,
			Message: "protocol_error",
			Detail:  "supported protocol versions are 1.0, 1.1, 1.2",
		})
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.submitTimeout)
	sub, err := s.server.substrate.Open(ctx)
	cancel()
	if err != nil {
		s.fail(err)
		return
	}

	s.sub = sub
	s.connected = true
	s.version = version
	s.logger.Debug("client connected", "version", version, "login", f.Header.Get(hdrLogin), "host", f.Header.Get(hdrHost))

	s.emit(frame.New(frame.CONNECTED,
		hdrVersion, version,
		hdrSession, s.id,
		hdrServer, s.opts.serverName,
		hdrHeartBeat, "0,0",
	))
}

func (s *session) handleSend(f *frame.Frame) {
	receiptID := f.Header.Get(hdrReceipt)
	dest, ok := f.Header.Contains(hdrDestination)
	if !ok || dest == "" {
		s.rejectProtocol("SEND frame requires a destination header", receiptID)
		return
	}

	target, err := destination.Resolve(dest)
	if err != nil {
		s.rejectDestination(err, receiptID)
		return
	}

	send := bufferedSend{target: target, msg: messageFromFrame(f), receiptID: receiptID}
	if txID, ok := f.Header.Contains(hdrTransaction); ok {
		if err := s.tx.add(txID, send); err != nil {
			s.rejectTransaction(err, receiptID)
		}
		return
	}
	s.submit(send, "")
}

// submit hands one message to the substrate and tracks its confirmation.
// It returns false once the connection is terminal.
func (s *session) submit(send bufferedSend, txID string) bool {
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.submitTimeout)
	seq, err := s.sub.Submit(ctx, send.target, send.msg)
	cancel()
	if err != nil {
		s.fail(err)
		return false
	}
	s.metrics.publish(s.ctx)

	if err := s.tracker.register(seq, send.receiptID, txID); err != nil {
		s.logger.Error("substrate returned an out of order sequence", "seq", seq, "error", err)
		s.reporter.report(Report{Kind: KindRangeViolation, Message: "internal_error", Detail: err.Error()})
		return false
	}
	return true
}

func (s *session) handleSubscribe(f *frame.Frame) {
	receiptID := f.Header.Get(hdrReceipt)
	dest, ok := f.Header.Contains(hdrDestination)
	if !ok || dest == "" {
		s.rejectProtocol("SUBSCRIBE frame requires a destination header", receiptID)
		return
	}

	id := f.Header.Get(hdrID)
	if id == "" {
		if s.version != "1.0" {
			s.rejectProtocol("SUBSCRIBE frame requires an id header", receiptID)
			return
		}
		id = dest
	}
	if _, dup := s.subscriptions[id]; dup {
		s.rejectProtocol(fmt.Sprintf("subscription '%s' already exists", id), receiptID)
		return
	}

	mode := f.Header.Get(hdrAck)
	switch mode {
	case "":
		mode = ackAuto
	case ackAuto, ackClient, ackClientIndividual:
	default:
		s.rejectProtocol(fmt.Sprintf("unsupported ack mode '%s'", mode), receiptID)
		return
	}

	target, err := destination.Resolve(dest)
	if err != nil {
		s.rejectDestination(err, receiptID)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.submitTimeout)
	err = s.sub.Subscribe(ctx, target, substrate.Subscription{ID: id, AutoAck: mode == ackAuto})
	cancel()
	if err != nil {
		s.fail(err)
		return
	}

	s.subscriptions[id] = &subscription{id: id, destination: dest, target: target, ack: mode}
	s.logger.Debug("subscribed", "subscription", id, "destination", target.String(), "ack", mode)
	s.receipt(receiptID)
}

func (s *session) handleUnsubscribe(f *frame.Frame) {
	receiptID := f.Header.Get(hdrReceipt)
	id := f.Header.Get(hdrID)
	if id == "" && s.version == "1.0" {
		id = f.Header.Get(hdrDestination)
	}
	if id == "" {
		s.rejectProtocol("UNSUBSCRIBE frame requires an id header", receiptID)
		return
	}
	if _, ok := s.subscriptions[id]; !ok {
		s.rejectProtocol(fmt.Sprintf("no subscription '%s'", id), receiptID)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.opts.submitTimeout)
	err := s.sub.Unsubscribe(ctx, id)
	cancel()
	if err != nil {
		s.fail(err)
		return
	}

	delete(s.subscriptions, id)
	s.receipt(receiptID)
}

func (s *session) handleAck(f *frame.Frame, nack bool) {
	receiptID := f.Header.Get(hdrReceipt)
	raw := f.Header.Get(hdrID)
	if raw == "" {
		raw = f.Header.Get(hdrMessageID)
	}

	subID, tag, err := parseAckID(raw)
	if err != nil {
		s.rejectProtocol(err.Error(), receiptID)
		return
	}
	sub, ok := s.subscriptions[subID]
	if !ok {
		s.rejectProtocol(fmt.Sprintf("no subscription '%s'", subID), receiptID)
		return
	}
	if sub.ack == ackAuto {
		s.rejectProtocol(fmt.Sprintf("subscription '%s' does not use client acknowledgement", subID), receiptID)
		return
	}

	multiple := sub.ack == ackClient
	if nack {
		err = s.sub.Nack(tag, multiple, true)
	} else {
		err = s.sub.Ack(tag, multiple)
	}
	if err != nil {
		if errors.Is(err, substrate.ErrUnknownTag) {
			s.rejectProtocol(fmt.Sprintf("unknown message '%s'", raw), receiptID)
			return
		}
		s.fail(err)
		return
	}
	s.receipt(receiptID)
}

func (s *session) handleBegin(f *frame.Frame) {
	receiptID := f.Header.Get(hdrReceipt)
	if err := s.tx.begin(f.Header.Get(hdrTransaction)); err != nil {
		s.rejectTransaction(err, receiptID)
		return
	}
	s.receipt(receiptID)
}

func (s *session) handleCommit(f *frame.Frame) {
	receiptID := f.Header.Get(hdrReceipt)
	id := f.Header.Get(hdrTransaction)

	err := s.tx.commit(id, func(send bufferedSend) bool {
		return s.submit(send, id)
	})
	if err != nil {
		s.rejectTransaction(err, receiptID)
		return
	}
	if !s.reporter.terminal() {
		s.receipt(receiptID)
	}
}

func (s *session) handleAbort(f *frame.Frame) {
	receiptID := f.Header.Get(hdrReceipt)
	id := f.Header.Get(hdrTransaction)

	n, err := s.tx.abort(id)
	if err != nil {
		s.rejectTransaction(err, receiptID)
		return
	}
	s.logger.Debug("transaction aborted", "transaction", id, "discarded", n)
	s.receipt(receiptID)
}

// handleDisconnect stops accepting frames. A requested receipt is sent only
// after every outstanding receipt has been sent.
func (s *session) handleDisconnect(f *frame.Frame) {
	s.disconnecting = true
	if id, open := s.tx.active(); open {
		s.logger.Debug("discarding open transaction on disconnect", "transaction", id, "sends", s.tx.discard())
	}

	receiptID := f.Header.Get(hdrReceipt)
	if receiptID == "" {
		s.closeAfterFlush()
		return
	}

	s.disconnectReceipt = receiptID
	s.disconnectTimer = time.AfterFunc(s.opts.submitTimeout, s.shutdown)
	s.finishDisconnect()
}

func (s *session) finishDisconnect() {
	if s.disconnectReceipt == "" || s.tracker.outstanding() > 0 || s.reporter.terminal() {
		return
	}
	s.receipt(s.disconnectReceipt)
	s.disconnectReceipt = ""
	s.closeAfterFlush()
}

func (s *session) onConfirmation(c substrate.Confirmation) {
	if s.reporter.terminal() {
		s.logger.Debug("dropping confirmation after terminal error", "start", c.Start, "end", c.End)
		return
	}
	s.correlator.dispatch(s.ctx, c)
	s.finishDisconnect()
}

func (s *session) onDelivery(d substrate.Delivery) {
	sub, ok := s.subscriptions[d.Subscription]
	if !ok {
		s.logger.Debug("dropping delivery for unknown subscription", "subscription", d.Subscription)
		return
	}
	s.metrics.delivery(s.ctx)
	s.emit(messageFrame(sub, d))
}
