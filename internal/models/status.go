package models

type RideStatus string

const (
	StatusRequested  RideStatus = "requested"
	StatusAccepted   RideStatus = "accepted"
	StatusArrived    RideStatus = "arrived"
	StatusInProgress RideStatus = "in_progress"
	StatusCompleted  RideStatus = "completed"
	StatusCancelled  RideStatus = "cancelled"
)

var transitions = map[RideStatus][]RideStatus{
	StatusRequested:  {StatusAccepted, StatusCancelled},
	StatusAccepted:   {StatusArrived, StatusInProgress, StatusCancelled},
	StatusArrived:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusCancelled},
}

// CanTransition reports whether the lifecycle allows moving from s to next.
func (s RideStatus) CanTransition(next RideStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// SourcesOf lists every status from which next is reachable in one step.
func SourcesOf(next RideStatus) []RideStatus {
	var out []RideStatus
	for _, from := range []RideStatus{StatusRequested, StatusAccepted, StatusArrived, StatusInProgress} {
		if from.CanTransition(next) {
			out = append(out, from)
		}
	}
	return out
}

func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Active reports whether a driver is committed to the ride.
func (s RideStatus) Active() bool {
	return s == StatusAccepted || s == StatusArrived || s == StatusInProgress
}

// HasDriver reports whether a ride in this status must carry a driver.
func (s RideStatus) HasDriver() bool {
	return s.Active() || s == StatusCompleted
}

// ActiveStatuses are the statuses that keep a driver committed.
func ActiveStatuses() []RideStatus {
	return []RideStatus{StatusAccepted, StatusArrived, StatusInProgress}
}

// OpenStatuses are the non-terminal statuses.
func OpenStatuses() []RideStatus {
	return []RideStatus{StatusRequested, StatusAccepted, StatusArrived, StatusInProgress}
}
