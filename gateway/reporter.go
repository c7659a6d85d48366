package gateway

import (
	"log/slog"
	"time"
)

// reporter emits ERROR frames. A fatal report is emitted at most once per
// connection; afterwards the connection is torn down once the grace period
// has passed.
type reporter struct {
	sink       EventSink
	grace      time.Duration
	onTerminal func()
	shutdown   func()
	logger     *slog.Logger

	fatal bool
	timer *time.Timer
}

// report emits a fatal error and schedules connection close
func (r *reporter) report(rep Report) {
	if r.fatal {
		r.logger.Debug("suppressing error after terminal report", "kind", rep.Kind, "message", rep.Message)
		return
	}

	rep.Fatal = true
	r.sink.OnError(rep)
	r.fatal = true
	r.logger.Warn("closing connection after error", "kind", rep.Kind, "message", rep.Message, "detail", rep.Detail)

	if r.onTerminal != nil {
		r.onTerminal()
	}
	if r.shutdown != nil {
		r.timer = time.AfterFunc(r.grace, r.shutdown)
	}
}

// reject emits an error that leaves the connection usable
func (r *reporter) reject(rep Report) {
	if r.fatal {
		return
	}
	rep.Fatal = false
	r.sink.OnError(rep)
	r.logger.Debug("rejected frame", "kind", rep.Kind, "message", rep.Message, "receipt", rep.ReceiptID)
}

func (r *reporter) terminal() bool {
	return r.fatal
}

func (r *reporter) stop() {
	if r.timer != nil {
		r.timer.Stop()
	}
}
