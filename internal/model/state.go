package model

// PostStateValue is where a transaction stands from the browser's point of view.
type PostStateValue string

const (
	PostStateStarted           PostStateValue = "started"
	PostStateConsumed          PostStateValue = "consumed"
	PostStateCommitted         PostStateValue = "committed"
	PostStateExpired           PostStateValue = "expired"
	PostStateCanceled          PostStateValue = "canceled"
	PostStateInvalidSubmission PostStateValue = "invalid_submission"
)

// IsTerminal reports whether no further transition is allowed.
func (v PostStateValue) IsTerminal() bool {
	switch v {
	case PostStateCommitted, PostStateExpired, PostStateInvalidSubmission:
		return true
	}
	return false
}

// PostState is keyed by request id. IssuedAt and ExpiredIn are fixed by the
// first write.
type PostState struct {
	ID        string         `json:"id"`
	Value     PostStateValue `json:"value"`
	TargetID  string         `json:"targetId,omitempty"`
	IssuedAt  int64          `json:"issuedAt"`
	ExpiredIn int64          `json:"expiredIn"`
}

func (s *PostState) Expired(now int64) bool {
	return s.IssuedAt+s.ExpiredIn < now
}
