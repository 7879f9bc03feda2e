package models

import "time"

// FanStatus is the current in-memory snapshot of the fan controller.
type FanStatus struct {
	TemperatureC   int       `json:"temperature_c"`
	HaveReading    bool      `json:"have_reading"`
	Fan            string    `json:"fan"`  // on | off
	Mode           string    `json:"mode"` // auto | manual
	Failures       int       `json:"failures"`
	Degraded       bool      `json:"degraded"`
	GPIOMismatch   bool      `json:"gpio_mismatch,omitempty"`
	LastTransition *FanEvent `json:"last_transition,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}
