package notifications

import "time"

// DefaultType is used when a payload carries no category tag.
const DefaultType = "GENERAL"

// Entity is an optional back-reference to the domain object a notification
// concerns (an invoice, a route, a return). Lookup only.
type Entity struct {
	Kind *string `json:"kind"`
	ID   *string `json:"id"`
}

// Notification is the canonical, validated notification record.
// Values are treated as immutable once normalized.
type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Entity    Entity    `json:"entity"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"read"`
}

// Page is one response of the list endpoint, already normalized.
type Page struct {
	Notifications []Notification
	UnreadCount   int

	// Dropped counts raw records rejected by the normalizer.
	Dropped int
}
