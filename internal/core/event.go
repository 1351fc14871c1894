package core

import "time"

// Event kinds published on the operator channel.
const (
	EventDriveFault     = "drive_fault"
	EventMountState     = "mount_state"
	EventMountRecovered = "mount_recovered"
)

// Event is a notification for operators and dashboards.
type Event struct {
	Kind      string    `json:"kind"`
	MountID   string    `json:"mount_id,omitempty"`
	Pool      string    `json:"pool,omitempty"`
	Direction Direction `json:"direction,omitempty"`
	Drive     string    `json:"drive,omitempty"`
	VID       string    `json:"vid,omitempty"`
	State     string    `json:"state,omitempty"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}
