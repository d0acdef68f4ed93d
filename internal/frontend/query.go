package frontend

import (
	"errors"
	"io"
	"log/slog"

	"github.com/ocx/pgproxy/internal/backendpool"
	"github.com/ocx/pgproxy/internal/wire"
)

// QueryResult is ProcessQuery's per-call verdict, the Continue/Idle/End/
// Error/Fatal taxonomy of §7.
type QueryResult int

const (
	ResultContinue QueryResult = iota // more frontend input expected on the same connection
	ResultIdle                        // backend returned to ReadyForQuery; safe recycling point
	ResultEnd                         // client sent Terminate; session ends cleanly
	ResultError                       // recoverable error; session ends after a reset pass and the entry is discarded
	ResultFatal                       // unrecoverable; session must be torn down
)

// queryLoop drives the §4.D inner loop: ProcessQuery(frontend, backend, 0)
// repeatedly until it stops returning ResultContinue/ResultIdle, then a reset
// pass ProcessQuery(frontend, backend, 1) before the connection is handed
// back to finishSession for pool disposition.
func (w *Worker) queryLoop(codec *wire.Codec, entry *backendpool.Entry) SessionOutcome {
	master := entry.Master()
	for {
		result := w.ProcessQuery(codec, master, 0)
		switch result {
		case ResultContinue, ResultIdle:
			continue
		case ResultEnd:
			w.ProcessQuery(codec, master, 1)
			return OutcomeClean
		case ResultError:
			w.ProcessQuery(codec, master, 1)
			return OutcomeError
		case ResultFatal:
			return OutcomeFatal
		}
	}
}

// ProcessQuery implements one cycle of the proxy's query-forwarding state
// machine (§4.D, §7). pass 0 is the normal forwarding cycle: read one
// frontend message, forward it to the backend, then drain the backend's
// reply stream back to the frontend up to and including ReadyForQuery. pass
// 1 is the reset cycle run once before a reused entry goes back to idle,
// discarding any message already pending without forwarding it — callers
// invoke this only after the normal loop has already ended.
//
// Grounded on the teacher's internal/protocol/session.go dispatch loop
// (single-message read, type switch, forward-then-drain), adapted from a
// generic RPC frame relay to the PostgreSQL simple/extended query protocols.
func (w *Worker) ProcessQuery(codec *wire.Codec, backend *backendpool.BackendSlot, pass int) QueryResult {
	if pass == 1 {
		return w.resetPass(codec, backend)
	}

	msg, err := codec.ReadMessage()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return ResultEnd
		}
		w.log.Warn("frontend: reading client message failed", slog.Any("error", err))
		return ResultFatal
	}

	if msg.Kind == wire.KindTerminate {
		// The backend connection is pooled (§4.B) and outlives any one
		// frontend session: a client Terminate ends this session only, it
		// must never be forwarded to the backend.
		return ResultEnd
	}

	if err := backend.Codec.WriteMessage(msg); err != nil {
		w.log.Warn("frontend: forwarding client message to backend failed", slog.Any("error", err))
		return ResultFatal
	}
	if err := backend.Codec.Flush(); err != nil {
		w.log.Warn("frontend: flushing client message to backend failed", slog.Any("error", err))
		return ResultFatal
	}

	return w.drainBackendReply(codec, backend)
}

// drainBackendReply copies backend messages to the frontend until
// ReadyForQuery, tracking the transaction-state byte it carries so a
// reused BackendSlot can be handed to a new session with the correct state
// (§3, BackendSlot.TxState).
func (w *Worker) drainBackendReply(frontend *wire.Codec, backend *backendpool.BackendSlot) QueryResult {
	sawError := false
	sawFatal := false
	for {
		msg, err := backend.Codec.ReadMessage()
		if err != nil {
			w.log.Warn("frontend: reading backend reply failed", slog.Any("error", err))
			return ResultFatal
		}

		if msg.Kind == wire.KindErrorResponse {
			sawError = true
			if isErrorSeverityFatal(msg.Payload) {
				sawFatal = true
			}
		}

		if err := frontend.WriteMessage(msg); err != nil {
			return ResultFatal
		}

		if msg.Kind == wire.KindReadyForQuery && len(msg.Payload) == 1 {
			backend.TxState = backendpool.TxState(msg.Payload[0])
			if err := frontend.Flush(); err != nil {
				return ResultFatal
			}
			if sawFatal {
				return ResultFatal
			}
			if sawError {
				return ResultError
			}
			return ResultIdle
		}
	}
}

// isErrorSeverityFatal reports whether a V3 ErrorResponse's 'S' field is
// FATAL or PANIC, which ends the backend connection regardless of what the
// frontend does next.
func isErrorSeverityFatal(payload []byte) bool {
	for len(payload) > 0 && payload[0] != 0 {
		tag := payload[0]
		rest := payload[1:]
		idx := indexOfNull(rest)
		if idx < 0 {
			return false
		}
		value := string(rest[:idx])
		if tag == 'S' && (value == "FATAL" || value == "PANIC") {
			return true
		}
		payload = rest[idx+1:]
	}
	return false
}

func indexOfNull(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// resetPass sends a bare Sync to the backend and drains its reply without
// forwarding anything to the frontend, the cheap session-reset swept through
// before an entry is released back to the pool (§4.D step 9's "reset pass").
func (w *Worker) resetPass(frontend *wire.Codec, backend *backendpool.BackendSlot) QueryResult {
	if err := backend.Codec.WriteMessage(&wire.Message{Kind: wire.KindSync}); err != nil {
		return ResultError
	}
	if err := backend.Codec.Flush(); err != nil {
		return ResultError
	}
	for {
		msg, err := backend.Codec.ReadMessage()
		if err != nil {
			return ResultError
		}
		if msg.Kind == wire.KindReadyForQuery && len(msg.Payload) == 1 {
			backend.TxState = backendpool.TxState(msg.Payload[0])
			return ResultIdle
		}
	}
}
