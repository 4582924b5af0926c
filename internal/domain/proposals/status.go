package proposals

import "strings"

const (
	StatusDraft     = "Draft"
	StatusReview    = "Review"
	StatusLastCall  = "Last Call"
	StatusFinal     = "Final"
	StatusLiving    = "Living"
	StatusStagnant  = "Stagnant"
	StatusWithdrawn = "Withdrawn"
	StatusMoved     = "Moved"
	StatusDeleted   = "Deleted"
)

// StatusIs compares a raw document status with a canonical one, ignoring case
// and surrounding whitespace.
func StatusIs(raw, want string) bool {
	return strings.EqualFold(strings.TrimSpace(raw), want)
}

// IsFinalized reports whether status counts as an accepted contribution.
func IsFinalized(status string) bool {
	return StatusIs(status, StatusFinal) || StatusIs(status, StatusLiving)
}

// IsAbandoned reports whether status makes an author ineligible when it is
// the state of their most recent document.
func IsAbandoned(status string) bool {
	return StatusIs(status, StatusWithdrawn) || StatusIs(status, StatusStagnant)
}

// IsActive reports whether a document in this state is counted as a live
// proposal.
func IsActive(status string) bool {
	return !StatusIs(status, StatusDeleted) && !StatusIs(status, StatusMoved)
}
