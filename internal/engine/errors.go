package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyClockedIn means the worker has an open entry and must clock
	// out before clocking in again.
	ErrAlreadyClockedIn = errors.New("worker already clocked in")

	// ErrNotAssigned means the worker is not assigned to the job.
	ErrNotAssigned = errors.New("worker not assigned to job")

	// ErrEntryNotFound means no matching time entry exists.
	ErrEntryNotFound = errors.New("time entry not found")
)

// OutsideGeofenceError denies a clock-in attempted outside the job's
// geofence when the tenant enforces it. Distance feeds user feedback.
type OutsideGeofenceError struct {
	DistanceM float64
	RadiusM   float64
}

func (e *OutsideGeofenceError) Error() string {
	return fmt.Sprintf("outside geofence: %.0fm from site, radius %.0fm", e.DistanceM, e.RadiusM)
}
