package store

import "time"

// Device is one managed CozyLife device as last discovered.
type Device struct {
	DeviceID       string    `json:"device_id"`
	IP             string    `json:"ip"`
	ProductID      string    `json:"product_id,omitempty"`
	DeviceType     string    `json:"device_type,omitempty"`
	DPIDs          []int     `json:"dpids,omitempty"`
	GangCount      int       `json:"gang_count,omitempty"` // 0 = default
	FriendlyName   string    `json:"friendly_name,omitempty"`
	SkipValidation bool      `json:"skip_validation,omitempty"`
	AddedAt        time.Time `json:"added_at"`
	LastSeen       time.Time `json:"last_seen"`
}

// DisplayName returns a human-readable name for the device.
func (d *Device) DisplayName() string {
	if d.FriendlyName != "" {
		return d.FriendlyName
	}
	if d.ProductID != "" {
		return "CozyLife " + d.ProductID
	}
	return d.DeviceID
}
