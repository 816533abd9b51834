package session

import "time"

// Reservation is an active ReserveNow booking on the connector.
type Reservation struct {
	ID          int
	IdTag       string
	ParentIdTag *string
	ExpiryDate  time.Time
}

// Matches reports whether the presented tag may consume the reservation.
// The parent tag is honoured so fleet cards can unlock member bookings.
func (r *Reservation) Matches(idTag string) bool {
	if r == nil {
		return false
	}
	if r.IdTag == idTag {
		return true
	}
	return r.ParentIdTag != nil && *r.ParentIdTag == idTag
}

// Expired reports whether the reservation has lapsed at the given instant.
func (r *Reservation) Expired(now time.Time) bool {
	return r != nil && !now.Before(r.ExpiryDate)
}
