package xchain

import "strings"

// Status tracks an intent through its cross-domain lifecycle.
type Status string

const (
	StatusCreated  Status = "CREATED"
	StatusPending  Status = "PENDING"
	StatusSent     Status = "SENT"
	StatusReceived Status = "RECEIVED"
	StatusVerified Status = "VERIFIED"
	StatusExecuted Status = "EXECUTED"
	StatusSettled  Status = "SETTLED"
	StatusFailed   Status = "FAILED"
)

var statusRank = map[Status]int{
	StatusCreated:  1,
	StatusPending:  2,
	StatusSent:     3,
	StatusReceived: 4,
	StatusVerified: 5,
	StatusExecuted: 6,
	StatusSettled:  7,
}

// ParseStatus normalises a textual status.
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := statusRank[s]; ok || s == StatusFailed {
		return s, true
	}
	return "", false
}

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusSettled || s == StatusFailed
}

// Advances reports whether moving from s to next is a forward transition.
// Failure is reachable from any non-terminal state.
func (s Status) Advances(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	return statusRank[next] > statusRank[s]
}
