package scheduler

import "time"

// Snapshot reports registered schedules and their run counters.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defs := append([]scheduleDef(nil), s.defs...)
	c := s.c
	loc := s.loc
	tz := s.cfg.Timezone
	enabled := s.cfg.Enabled
	s.mu.Unlock()

	if tz == "" {
		if loc == nil {
			loc = time.Local
		}
		tz = loc.String()
	}

	items := make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		it := ScheduleInfo{
			Name:    d.name,
			Spec:    d.spec,
			Timeout: d.timeout,
			Running: d.state.running.Load(),
			Runs:    d.state.runs.Load(),
			Skipped: d.state.skipped.Load(),
			Failed:  d.state.failed.Load(),
			Spread:  d.startupSpread,
		}
		d.state.mu.Lock()
		it.Prev, it.LastDur, it.LastErr = d.state.lastRun, d.state.lastDur, d.state.lastErr
		d.state.mu.Unlock()
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
		}
		items = append(items, it)
	}
	return Snapshot{Enabled: enabled, Running: c != nil, Timezone: tz, Schedules: items}
}
