// Package gateway bridges STOMP clients to a publish/subscribe substrate.
//
// Each client connection gets its own substrate session. SEND frames are
// resolved to destination descriptors and submitted; the substrate answers
// with ranged confirmations which are correlated back to the RECEIPT frames
// the client asked for, strictly in send order. Transactional sends are
// buffered until COMMIT and only then submitted.
//
// Conditions the client must hear about are surfaced as ERROR frames. Local
// errors (a malformed destination, a transaction mismatch) leave the
// connection open. Fatal errors (a missing exchange, a lost substrate
// session) are reported once, after which the connection is closed when the
// error grace period has passed.
//
// Basic usage:
//
//	broker := memory.NewBroker()
//	srv, err := gateway.NewServer(broker, gateway.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	return srv.ListenAndServe(ctx, ":61613")
package gateway
