package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nathan-osman/go-sunrise"
)

// FireFunc is called when a schedule fires. It is invoked on its own
// goroutine so a slow automation mailbox never delays other
// schedules from rearming.
type FireFunc func(sched Schedule)

// Scheduler rearms a time.Timer per registered schedule, following the
// single-shot-and-rearm pattern: each firing computes the next
// occurrence and sets a fresh timer rather than using a ticker, so
// daily/sunrise/sunset schedules can have a different delay every day.
type Scheduler struct {
	logger *slog.Logger
	fire   FireFunc

	defaultTZ *time.Location

	mu        sync.Mutex
	schedules map[string]Schedule
	timers    map[string]*time.Timer
	running   bool
}

// New creates a Scheduler. defaultTZ is used for any Schedule whose
// Timezone field is empty.
func New(logger *slog.Logger, defaultTZ *time.Location, fire FireFunc) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultTZ == nil {
		defaultTZ = time.UTC
	}
	return &Scheduler{
		logger:    logger,
		fire:      fire,
		defaultTZ: defaultTZ,
		schedules: make(map[string]Schedule),
		timers:    make(map[string]*time.Timer),
	}
}

// Register validates and arms a schedule. An invalid schedule is
// logged and skipped; it never causes Register to be fatal to the
// caller, matching the rule that a single bad automation declaration
// must not take down the rest of the runtime.
func (s *Scheduler) Register(sched Schedule) {
	if err := sched.Validate(); err != nil {
		s.logger.Warn("skipping invalid schedule", "id", sched.ID, "error", err)
		return
	}

	s.mu.Lock()
	s.schedules[sched.ID] = sched
	running := s.running
	s.mu.Unlock()

	if running {
		s.arm(sched)
	}
}

// Start arms timers for every registered schedule.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	scheds := make([]Schedule, 0, len(s.schedules))
	for _, sc := range s.schedules {
		scheds = append(scheds, sc)
	}
	s.mu.Unlock()

	for _, sc := range scheds {
		s.arm(sc)
	}
	s.logger.Info("scheduler started", "schedules", len(scheds))
}

// Stop cancels every active timer. Schedules remain registered; a
// subsequent Start rearms them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.logger.Info("scheduler stopped")
}

// Unregister removes a schedule and cancels its timer, if any.
func (s *Scheduler) Unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	delete(s.schedules, id)
}

func (s *Scheduler) arm(sched Schedule) {
	loc, err := s.location(sched)
	if err != nil {
		s.logger.Warn("skipping schedule, bad timezone", "id", sched.ID, "error", err)
		return
	}

	next, err := nextFire(sched, time.Now().In(loc), loc)
	if err != nil {
		s.logger.Warn("could not compute next fire time", "id", sched.ID, "error", err)
		return
	}

	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	if t, exists := s.timers[sched.ID]; exists {
		t.Stop()
	}
	s.timers[sched.ID] = time.AfterFunc(delay, func() { s.onFire(sched.ID) })
	s.mu.Unlock()

	s.logger.Debug("schedule armed", "id", sched.ID, "kind", sched.Kind, "next", next, "delay", delay)
}

func (s *Scheduler) onFire(id string) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	sched, ok := s.schedules[id]
	delete(s.timers, id)
	s.mu.Unlock()
	if !ok {
		return
	}

	firingID := uuid.NewString()
	s.logger.Info("schedule fired", "id", sched.ID, "automation", sched.AutomationName, "firing_id", firingID)

	if s.fire != nil {
		// Run off the timer goroutine so a slow or panicking automation
		// callback cannot delay rearming this or any other schedule.
		go func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("schedule fire callback panicked", "id", sched.ID, "firing_id", firingID, "panic", r)
				}
			}()
			s.fire(sched)
		}()
	}

	s.arm(sched)
}

func (s *Scheduler) location(sched Schedule) (*time.Location, error) {
	if sched.Timezone == "" {
		return s.defaultTZ, nil
	}
	return time.LoadLocation(sched.Timezone)
}

// nextFire computes the next occurrence of sched strictly after now,
// which must already be expressed in loc.
func nextFire(sched Schedule, now time.Time, loc *time.Location) (time.Time, error) {
	switch sched.Kind {
	case KindDaily:
		return nextDaily(sched, now, loc)
	case KindSunrise, KindSunset:
		return nextSolar(sched, now, loc)
	case KindEvery:
		return now.Add(sched.Every), nil
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", sched.Kind)
	}
}

// nextDaily finds the next firing of a daily wall-clock schedule.
// Local wall-clock arithmetic is delegated to time.Date, and
// resolveFoldLater then settles DST transitions explicitly: a
// nonexistent wall-clock time (spring-forward gap) resolves to the
// instant past the gap, and an ambiguous one (fall-back fold, the same
// HH:MM occurring twice) resolves to the later of its two instants.
// time.Date alone is not consistent here: which side of a transition
// it picks depends on whether loc is east or west of UTC.
func nextDaily(sched Schedule, now time.Time, loc *time.Location) (time.Time, error) {
	ct, err := parseClockTime(sched.Time)
	if err != nil {
		return time.Time{}, err
	}

	day := now
	candidate := resolveFoldLater(time.Date(day.Year(), day.Month(), day.Day(), ct.hour, ct.minute, 0, 0, loc), ct)
	if !candidate.After(now) {
		day = day.AddDate(0, 0, 1)
		candidate = resolveFoldLater(time.Date(day.Year(), day.Month(), day.Day(), ct.hour, ct.minute, 0, 0, loc), ct)
	}
	return candidate, nil
}

// resolveFoldLater checks whether candidate, as built by time.Date,
// sits on the near side of a DST transition it should be past. If its
// wall-clock time falls in a fall-back fold (the civil HH:MM occurring
// twice, once at each offset either side of the transition) and it is
// the earlier instant, the later one is returned. If the requested
// HH:MM falls in a spring-forward gap and candidate was placed before
// the gap, the instant past the gap is returned (e.g. 03:30 for a
// nonexistent 02:30). Otherwise candidate is returned unchanged.
func resolveFoldLater(candidate time.Time, ct clockTime) time.Time {
	_, beforeOffset := candidate.Zone()
	_, end := candidate.ZoneBounds()
	if end.IsZero() {
		return candidate
	}

	_, afterOffset := end.Zone()
	delta := beforeOffset - afterOffset
	if delta < 0 {
		// Offset increases across the next transition (spring
		// forward). A wall clock other than the requested one means
		// the requested time does not exist and time.Date placed it
		// before the gap.
		if candidate.Hour() != ct.hour || candidate.Minute() != ct.minute {
			return candidate.Add(time.Duration(-delta) * time.Second)
		}
		return candidate
	}
	if delta == 0 {
		return candidate
	}

	later := candidate.Add(time.Duration(delta) * time.Second)
	if later.Hour() == ct.hour && later.Minute() == ct.minute {
		return later
	}
	return candidate
}

// nextSolar finds the next sunrise or sunset, offset by sched.Offset,
// searching forward day by day until it finds one strictly after now.
// Polar day/night at extreme latitudes can make a given day's solar
// event not exist; searching forward a bounded number of days avoids
// an infinite loop in that case.
func nextSolar(sched Schedule, now time.Time, loc *time.Location) (time.Time, error) {
	for dayOffset := 0; dayOffset <= 366; dayOffset++ {
		day := now.AddDate(0, 0, dayOffset)
		rise, set := sunrise.SunriseSunset(sched.Latitude, sched.Longitude, day.Year(), day.Month(), day.Day())

		var t time.Time
		switch sched.Kind {
		case KindSunrise:
			t = rise.In(loc).Add(sched.Offset)
		case KindSunset:
			t = set.In(loc).Add(sched.Offset)
		}

		if t.IsZero() {
			continue
		}
		if t.After(now) {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("no %s found within a year at latitude %v", sched.Kind, sched.Latitude)
}

// Stats reports basic scheduler state for diagnostics.
func (s *Scheduler) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]any{
		"running":              s.running,
		"registered_schedules": len(s.schedules),
		"active_timers":        len(s.timers),
	}
}
