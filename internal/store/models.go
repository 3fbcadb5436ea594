package store

import "time"

// LightRecord is the last requested state of a light entity.
type LightRecord struct {
	ID         string     `json:"id"`
	Mode       string     `json:"mode"`
	On         bool       `json:"on"`
	Brightness float64    `json:"brightness"`
	Color      [3]float64 `json:"color"`
	Updated    time.Time  `json:"updated"`
}

// Toy holds what was last learned about the device.
type Toy struct {
	Address       string    `json:"address,omitempty"`
	Firmware      string    `json:"firmware,omitempty"`
	Battery       float64   `json:"battery"`
	HasBattery    bool      `json:"has_battery"`
	Charging      string    `json:"charging,omitempty"`
	LastConnected time.Time `json:"last_connected,omitempty"`
	Connects      int       `json:"connects"`
}
