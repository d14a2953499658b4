package wire

// Message delivery lifecycle. Transitions only move forward:
// sent -> delivered -> read.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

var statusRank = map[string]int{
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// ValidStatus reports whether s is a known delivery status.
func ValidStatus(s string) bool {
	_, ok := statusRank[s]
	return ok
}

// StatusRank returns the position of s in the lifecycle, 0 for unknown.
func StatusRank(s string) int {
	return statusRank[s]
}

// AdvanceStatus applies the monotone state machine: it returns the resulting
// status and whether anything changed. A repeat or an older status is a no-op
// (advanced=false, result=current); a newer status replaces the current one.
// `current` may be empty for a first observation.
func AdvanceStatus(current, next string) (result string, advanced bool) {
	if !ValidStatus(next) {
		return current, false
	}
	if statusRank[next] > statusRank[current] {
		return next, true
	}
	return current, false
}
