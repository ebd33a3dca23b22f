package app

import (
	"time"

	"notifyd/internal/eventbus"
	"notifyd/internal/runtime/supervisor"
	"notifyd/internal/scheduler"
)

// Status is the GET /status payload.
type Status struct {
	StartedAt       time.Time            `json:"startedAt,omitzero"`
	Uptime          string               `json:"uptime,omitempty"`
	Storage         string               `json:"storage"`
	Supervisor      *supervisor.Snapshot `json:"supervisor,omitempty"`
	Scheduler       scheduler.Snapshot   `json:"scheduler"`
	EventBusDropped uint64               `json:"eventbusDropped"`
}

func (a *App) Status() Status {
	st := Status{
		Storage:         a.driver,
		Scheduler:       a.sched.Snapshot(),
		EventBusDropped: eventbus.Dropped(a.bus),
	}
	if a.sup != nil {
		snap := a.sup.Snapshot()
		st.Supervisor = &snap
		st.StartedAt = a.startedAt
		st.Uptime = time.Since(a.startedAt).Truncate(time.Second).String()
	}
	return st
}
