// ABOUTME: Delivery status ordering for outbound messages
// ABOUTME: Statuses only move forward; failed and deleted are terminal

package message

// DeliveryStatus is the delivery state of an outbound message.
// The zero value means no receipt has been seen.
type DeliveryStatus string

const (
	StatusNone      DeliveryStatus = ""
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
	StatusDeleted   DeliveryStatus = "deleted"
)

// rank orders the progressive statuses. Terminal statuses are not ranked.
var rank = map[DeliveryStatus]int{
	StatusNone:      0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// Terminal reports whether s can no longer change.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusFailed || s == StatusDeleted
}

// Known reports whether s is a recognized status.
func (s DeliveryStatus) Known() bool {
	_, ok := rank[s]
	return ok || s.Terminal()
}

// ParseStatus maps a raw channel status string to a DeliveryStatus.
// Unknown values map to StatusNone and ok=false.
func ParseStatus(raw string) (DeliveryStatus, bool) {
	s := DeliveryStatus(raw)
	if s == StatusNone || !s.Known() {
		return StatusNone, false
	}
	return s, true
}

// Advance returns the status that results from applying next to cur.
// Progressive statuses never move backwards; a terminal status overrides
// anything progressive and is itself never replaced by a progressive one.
// Between the two terminal statuses the later arrival wins.
func Advance(cur, next DeliveryStatus) DeliveryStatus {
	if !next.Known() || next == StatusNone {
		return cur
	}
	if next.Terminal() {
		return next
	}
	if cur.Terminal() {
		return cur
	}
	if rank[next] > rank[cur] {
		return next
	}
	return cur
}
