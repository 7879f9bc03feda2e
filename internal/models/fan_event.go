package models

import "time"

// FanEvent describes a single fan state change.
type FanEvent struct {
	EventID      string    `json:"event_id"`
	OccurredAt   time.Time `json:"occurred_at"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	TemperatureC int       `json:"temperature_c"`
	Reason       string    `json:"reason"` // threshold | override
}
