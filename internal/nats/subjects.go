package nats

import "fmt"

// Subject hierarchy for scheduler events.
//
//	tapesched.events.{kind}.{pool}   -- mount lifecycle and recovery events
//	tapesched.alerts.{drive}         -- drive faults, for operators
const (
	StreamName    = "TAPESCHED_EVENTS"
	SubjectPrefix = "tapesched"

	// BucketObjects holds every queue, job, mount and lease object.
	BucketObjects = "tapesched-objects"
)

// EventSubject returns the subject an event of kind for pool is published on.
// Example: tapesched.events.mount_state.tier1
func EventSubject(kind, pool string) string {
	if pool == "" {
		pool = "_"
	}
	return fmt.Sprintf("%s.events.%s.%s", SubjectPrefix, kind, pool)
}

// AlertSubject returns the subject drive faults are raised on.
// Example: tapesched.alerts.drv0
func AlertSubject(drive string) string {
	if drive == "" {
		drive = "_"
	}
	return fmt.Sprintf("%s.alerts.%s", SubjectPrefix, drive)
}

// EventsAllSubject returns the wildcard subject for all events.
func EventsAllSubject() string {
	return fmt.Sprintf("%s.events.>", SubjectPrefix)
}

// AlertsAllSubject returns the wildcard subject for all alerts.
func AlertsAllSubject() string {
	return fmt.Sprintf("%s.alerts.>", SubjectPrefix)
}
