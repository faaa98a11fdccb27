package state

import "slices"

// DashboardState is the shared matchmaking record.
type DashboardState struct {
	// Pending is the game currently advertised as open; "" when none.
	Pending string `json:"pending,omitempty"`
	// Total counts games created against this dashboard.
	Total uint64 `json:"total"`
	// Completed is append-only, oldest first.
	Completed []string `json:"completed"`
}

// HasCompleted reports whether id was already recorded as finished.
func (d DashboardState) HasCompleted(id string) bool {
	return slices.Contains(d.Completed, id)
}

// Clone returns a copy that shares no slice storage with d.
func (d DashboardState) Clone() DashboardState {
	out := d
	out.Completed = slices.Clone(d.Completed)
	return out
}
