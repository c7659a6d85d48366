package gateway

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"

	"github.com/glimte/mmate-stomp/substrate"
)

// NackPolicy selects how negatively confirmed publishes are surfaced
type NackPolicy int

const (
	// NackReportError reports the first nacked receipt as a fatal ERROR
	NackReportError NackPolicy = iota
	// NackLog only logs nacked receipts; the client never hears about them
	NackLog
)

func (p NackPolicy) String() string {
	switch p {
	case NackLog:
		return "log"
	default:
		return "error"
	}
}

// ParseNackPolicy accepts "error" or "log"
func ParseNackPolicy(s string) (NackPolicy, error) {
	switch s {
	case "", "error":
		return NackReportError, nil
	case "log":
		return NackLog, nil
	}
	return NackReportError, fmt.Errorf("unknown nack policy %q", s)
}

// correlator turns substrate confirmations into receipt outcomes
type correlator struct {
	tracker  *receiptTracker
	sink     EventSink
	reporter *reporter
	policy   NackPolicy
	logger   *slog.Logger
	metrics  *Metrics
}

// onConfirmation resolves the confirmed range against the tracker. The
// returned sequence yields the affected receipt ids in submission order.
func (c *correlator) onConfirmation(ev substrate.Confirmation) (iter.Seq[string], error) {
	ids, err := c.tracker.resolveRange(ev.Start, ev.End)
	if err != nil {
		return nil, err
	}
	return slices.Values(ids), nil
}

func (c *correlator) dispatch(ctx context.Context, ev substrate.Confirmation) {
	c.metrics.confirmation(ctx, ev.Ack)

	if !ev.Single() {
		c.logger.Debug("ranged confirmation", "start", ev.Start, "end", ev.End, "ack", ev.Ack)
	}

	ids, err := c.onConfirmation(ev)
	if err != nil {
		c.logger.Error("confirmation does not match submitted sequences",
			"start", ev.Start, "end", ev.End, "ack", ev.Ack, "error", err)
		c.reporter.report(Report{
			Kind:    KindRangeViolation,
			Message: "internal_error",
			Detail:  err.Error(),
		})
		return
	}

	for id := range ids {
		if c.reporter.terminal() {
			c.logger.Debug("dropping receipt after terminal error", "receipt", id)
			continue
		}
		if ev.Ack {
			c.sink.OnAcknowledgment(id)
			continue
		}

		switch c.policy {
		case NackLog:
			c.logger.Warn("publish negatively confirmed", "receipt", id)
		default:
			c.reporter.report(Report{
				Kind:      KindNegativeConfirm,
				Message:   "nacked",
				Detail:    fmt.Sprintf("message with receipt '%s' was rejected by the broker", id),
				ReceiptID: id,
			})
		}
	}
}
