package risk

import "time"

// Config holds the account-level limits.
type Config struct {
	// MaxDailyLoss is a positive currency amount. Zero disables the check.
	MaxDailyLoss float64
	PointValue   float64
	// Location decides where a trading day starts.
	Location *time.Location
}

// Status is a point-in-time view of the guard.
type Status struct {
	Day        string    `json:"day"`
	Realized   float64   `json:"realized"`
	Unrealized float64   `json:"unrealized"`
	Total      float64   `json:"total"`
	Position   int       `json:"position"`
	Halted     bool      `json:"halted"`
	HaltReason string    `json:"halt_reason,omitempty"`
	HaltedAt   time.Time `json:"halted_at,omitempty"`
}
