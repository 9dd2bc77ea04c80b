package snapshot

import "sync/atomic"

// Snapshot is the read-only view used by the API.
type Snapshot struct {
	All    []StateDTO
	ByName map[string]StateDTO
}

// StateDTO is what the API exposes per target.
type StateDTO struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Up          bool   `json:"up"`
	LastChecked string `json:"last_checked"`
	StatusCode  int    `json:"status_code"`
	LastError   string `json:"last_error"`

	ConsecutiveSuccess int `json:"consecutive_success"`
	ConsecutiveFail    int `json:"consecutive_fail"`
	TotalChecks        int `json:"total_checks"`
	TotalFails         int `json:"total_fails"`
	ActionsRun         int `json:"actions_run"`
}

// Store holds the latest published snapshot.
// The monitor loop writes it; HTTP handlers read it concurrently.
type Store struct {
	current atomic.Value // stores Snapshot
}

func New() *Store {
	return &Store{}
}

// Publish replaces the current snapshot.
func (s *Store) Publish(snap Snapshot) {
	s.current.Store(snap)
}

// Get returns the latest snapshot.
// If nothing was published yet, returns zero-value snapshot.
func (s *Store) Get() Snapshot {
	if v := s.current.Load(); v != nil {
		return v.(Snapshot)
	}
	return Snapshot{}
}
