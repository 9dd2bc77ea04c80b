package monitor

import (
	"time"

	"server-health/internal/config"
	"server-health/internal/snapshot"
)

// State is the latest (rolling) view per target. It feeds the status API only;
// escalation decisions never read it.
type State struct {
	Name string
	URL  string

	LastUp         bool
	LastChecked    time.Time
	LastStatusCode int
	LastError      string

	ConsecutiveSuccess int
	ConsecutiveFail    int

	TotalChecks int
	TotalFails  int
	ActionsRun  int
}

// aggregator folds cycle results into per-target state.
type aggregator struct {
	state map[string]*State
	order []string
}

func newAggregator() *aggregator {
	return &aggregator{state: make(map[string]*State)}
}

func (a *aggregator) update(t config.Target, res Result, at time.Time) {
	st := a.state[t.Name]
	if st == nil {
		st = &State{Name: t.Name}
		a.state[t.Name] = st
	}

	st.URL = t.URL
	st.LastChecked = at
	st.LastUp = res.Up
	st.LastStatusCode = res.Status.StatusCode
	st.TotalChecks++
	st.ActionsRun += res.ActionsRun

	if res.Up {
		st.ConsecutiveSuccess++
		st.ConsecutiveFail = 0
	} else {
		st.TotalFails++
		st.ConsecutiveFail++
		st.ConsecutiveSuccess = 0
		st.LastError = res.Status.ExecError
	}
}

// retain drops targets that are no longer configured and records the
// configured order. Called once per cycle, before any target is checked.
func (a *aggregator) retain(targets []config.Target) {
	keep := make(map[string]struct{}, len(targets))
	a.order = a.order[:0]
	for _, t := range targets {
		keep[t.Name] = struct{}{}
		a.order = append(a.order, t.Name)
	}
	for name := range a.state {
		if _, ok := keep[name]; !ok {
			delete(a.state, name)
		}
	}
}

func (a *aggregator) snapshot() snapshot.Snapshot {
	all := make([]snapshot.StateDTO, 0, len(a.order))
	byName := make(map[string]snapshot.StateDTO, len(a.order))

	for _, name := range a.order {
		st, ok := a.state[name]
		if !ok {
			// not checked yet
			continue
		}
		dto := snapshot.StateDTO{
			Name:        st.Name,
			URL:         st.URL,
			Up:          st.LastUp,
			LastChecked: st.LastChecked.UTC().Format(time.RFC3339),
			StatusCode:  st.LastStatusCode,
			LastError:   st.LastError,

			ConsecutiveSuccess: st.ConsecutiveSuccess,
			ConsecutiveFail:    st.ConsecutiveFail,
			TotalChecks:        st.TotalChecks,
			TotalFails:         st.TotalFails,
			ActionsRun:         st.ActionsRun,
		}

		all = append(all, dto)
		byName[dto.Name] = dto
	}

	return snapshot.Snapshot{
		All:    all,
		ByName: byName,
	}
}
