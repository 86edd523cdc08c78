package upload

import (
	"net/url"
	"time"
)

// FormSubmission is what the request pipeline hands to the gate just
// before it would transfer a non-GET submission.
type FormSubmission struct {
	SessionID  string
	Method     string
	ActionURL  string
	Payload    url.Values
	TargetHint string

	// SkipGate marks a replayed submission so it bypasses the gate
	// instead of re-entering it.
	SkipGate bool
}

// PendingSubmission captures a deferred submission so it can be
// replayed once uploads finish, even after a restart where the
// in-memory submit target is gone.
type PendingSubmission struct {
	SessionID  string
	Method     string
	ActionURL  string
	Payload    url.Values
	TargetHint string
	CapturedAt time.Time
}

// Capture freezes the non-file portion of a submission.
func Capture(sub *FormSubmission) *PendingSubmission {
	payload := make(url.Values, len(sub.Payload))
	for k, vs := range sub.Payload {
		payload[k] = append([]string(nil), vs...)
	}
	return &PendingSubmission{
		SessionID:  sub.SessionID,
		Method:     sub.Method,
		ActionURL:  sub.ActionURL,
		Payload:    payload,
		TargetHint: sub.TargetHint,
		CapturedAt: time.Now(),
	}
}

// Submission rebuilds a replayable form submission from the capture.
func (p *PendingSubmission) Submission() *FormSubmission {
	payload := make(url.Values, len(p.Payload))
	for k, vs := range p.Payload {
		payload[k] = append([]string(nil), vs...)
	}
	return &FormSubmission{
		SessionID:  p.SessionID,
		Method:     p.Method,
		ActionURL:  p.ActionURL,
		Payload:    payload,
		TargetHint: p.TargetHint,
		SkipGate:   true,
	}
}
