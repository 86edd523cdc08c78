package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/glazeware/formgate/internal/upload"
)

// GateResult is the gate's answer to the request pipeline. No error is
// ever propagated across this boundary: failure is state.
type GateResult struct {
	// Blocked means the submission must not proceed now.
	Blocked bool
	// Deferred means the submission was captured and will be replayed
	// automatically once uploads finish. Only meaningful when Blocked.
	Deferred bool
	// Reason is a human-readable diagnostic for blocked submissions.
	Reason string
	// Payload is the outgoing payload with resolved file identifiers
	// merged in. Only set when the submission may proceed.
	Payload url.Values
}

// Gate is invoked by the request pipeline immediately before it would
// transfer a non-GET submission for a form with an upload session.
//
//   - a failed file blocks the submission until the user re-selects it
//   - an unfinished file defers the submission: it is captured,
//     persisted, and replayed when the last file completes
//   - otherwise the file identifiers are merged into the payload under
//     their field names and the submission proceeds
func (e *Engine) Gate(ctx context.Context, sub *upload.FormSubmission) *GateResult {
	if sub.SkipGate {
		return &GateResult{Payload: sub.Payload}
	}

	s := e.lookup(sub.SessionID)
	if s == nil {
		// no upload session for this form: nothing to gate
		return &GateResult{Payload: sub.Payload}
	}

	var incomplete int
	for _, f := range s.Files() {
		switch f.Status() {
		case upload.StatusFailed:
			reason := fmt.Sprintf("upload of %q failed: %s; re-select the file to retry", f.Name, f.LastError())
			slog.Warn("upload", "op", "gate_blocked", "session", s.id, "key", f.Key.String(), "reason", reason)
			return &GateResult{Blocked: true, Reason: reason}
		case upload.StatusCompleted:
			// ready
		default:
			incomplete++
		}
	}

	if incomplete > 0 {
		return e.deferSubmission(ctx, s, sub, incomplete)
	}

	return &GateResult{Payload: e.mergeIdentifiers(s, sub.Payload)}
}

// deferSubmission captures sub for automatic replay. The last file may
// complete between the caller's status scan and the capture landing, in
// which case no further terminal transition would ever trigger the
// replay; attempting it here closes that window. takeReplayablePending
// makes the attempt a no-op while anything is still transferring.
func (e *Engine) deferSubmission(ctx context.Context, s *Session, sub *upload.FormSubmission, outstanding int) *GateResult {
	s.setPending(upload.Capture(sub))
	slog.Info("upload", "op", "gate_deferred", "session", s.id, "outstanding", outstanding)
	e.maybeReplay(ctx, s)
	return &GateResult{
		Blocked:  true,
		Deferred: true,
		Reason:   fmt.Sprintf("%d upload(s) still in progress", outstanding),
	}
}

// NotifySubmitted tells the engine that the host pipeline carried a
// gated submission to completion, so a clear-on-submit session can be
// torn down. Replayed submissions handle this internally.
func (e *Engine) NotifySubmitted(sessionID string) {
	s := e.lookup(sessionID)
	if s == nil {
		return
	}
	if s.cfg.PostSubmit == PostSubmitClear {
		s.Clear()
	}
}

// mergeIdentifiers copies the payload and appends each completed file's
// remote identifier under its input's field name, ordered by file
// index.
func (e *Engine) mergeIdentifiers(s *Session, payload url.Values) url.Values {
	merged := make(url.Values, len(payload)+1)
	for k, vs := range payload {
		merged[k] = append([]string(nil), vs...)
	}
	for _, f := range s.Files() {
		if id := f.RemoteID(); id != "" {
			merged.Add(f.Key.InputName, id)
		}
	}
	return merged
}
