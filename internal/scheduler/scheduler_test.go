package scheduler

import (
	"testing"
	"time"
)

func TestValidateDailyRequiresParsableTime(t *testing.T) {
	s := Schedule{ID: "s1", Message: "go", Kind: KindDaily, Time: "not-a-time"}
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for unparsable daily time")
	}
}

func TestValidateDailyOK(t *testing.T) {
	s := Schedule{ID: "s1", Message: "go", Kind: KindDaily, Time: "07:30"}
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestValidateEveryRequiresPositive(t *testing.T) {
	s := Schedule{ID: "s1", Message: "go", Kind: KindEvery, Every: 0}
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for non-positive every")
	}
}

func TestValidateSunriseRequiresCoordinates(t *testing.T) {
	s := Schedule{ID: "s1", Message: "go", Kind: KindSunrise}
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for missing coordinates")
	}
}

func TestValidateRequiresMessage(t *testing.T) {
	s := Schedule{ID: "s1", Kind: KindEvery, Every: time.Minute}
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for missing message")
	}
}

func TestValidateUnknownKind(t *testing.T) {
	s := Schedule{ID: "s1", Message: "go", Kind: "weekly"}
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestNextDailyLaterToday(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 1, 15, 6, 0, 0, 0, loc)
	sched := Schedule{Kind: KindDaily, Time: "07:30"}

	next, err := nextDaily(sched, now, loc)
	if err != nil {
		t.Fatalf("nextDaily() error = %v", err)
	}
	want := time.Date(2026, 1, 15, 7, 30, 0, 0, loc)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextDailyRollsToTomorrow(t *testing.T) {
	loc := time.UTC
	now := time.Date(2026, 1, 15, 8, 0, 0, 0, loc)
	sched := Schedule{Kind: KindDaily, Time: "07:30"}

	next, err := nextDaily(sched, now, loc)
	if err != nil {
		t.Fatalf("nextDaily() error = %v", err)
	}
	want := time.Date(2026, 1, 16, 7, 30, 0, 0, loc)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextDailyResolvesFallBackFoldToLaterInstant(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	// Clocks in America/New_York fall back from 02:00 EDT to 01:00 EST
	// on 2026-11-01, so 01:30 occurs twice: once at -04:00, once at
	// -05:00. The later, -05:00 instant is what spec requires.
	now := time.Date(2026, 10, 31, 12, 0, 0, 0, loc)
	sched := Schedule{Kind: KindDaily, Time: "01:30"}

	next, err := nextDaily(sched, now, loc)
	if err != nil {
		t.Fatalf("nextDaily() error = %v", err)
	}

	want := time.Date(2026, 11, 1, 6, 30, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v (%v), want %v", next, next.UTC(), want)
	}
	if _, offset := next.Zone(); offset != -5*3600 {
		t.Errorf("next offset = %d, want -5h (EST, the later/post-transition offset)", offset)
	}
}

func TestNextEveryAddsInterval(t *testing.T) {
	now := time.Date(2026, 1, 15, 8, 0, 0, 0, time.UTC)
	sched := Schedule{Kind: KindEvery, Every: 10 * time.Minute}

	next, err := nextFire(sched, now, time.UTC)
	if err != nil {
		t.Fatalf("nextFire() error = %v", err)
	}
	want := now.Add(10 * time.Minute)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestNextSolarSunriseIsFutureAndPlausible(t *testing.T) {
	// Prague coordinates, mid-winter.
	now := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	sched := Schedule{Kind: KindSunrise, Latitude: 50.0755, Longitude: 14.4378}

	next, err := nextSolar(sched, now, time.UTC)
	if err != nil {
		t.Fatalf("nextSolar() error = %v", err)
	}
	if !next.After(now) {
		t.Errorf("sunrise %v should be after %v", next, now)
	}
	if next.Sub(now) > 48*time.Hour {
		t.Errorf("sunrise %v too far from %v", next, now)
	}
}

func TestSchedulerFiresEveryOnce(t *testing.T) {
	fired := make(chan Schedule, 1)
	s := New(nil, time.UTC, func(sched Schedule) { fired <- sched })

	s.Register(Schedule{ID: "every-fast", AutomationName: "ping", Message: "tick", Kind: KindEvery, Every: 10 * time.Millisecond})
	s.Start()
	defer s.Stop()

	select {
	case got := <-fired:
		if got.ID != "every-fast" {
			t.Errorf("fired schedule ID = %q, want every-fast", got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for schedule to fire")
	}
}

func TestSchedulerSkipsInvalidRegistration(t *testing.T) {
	s := New(nil, time.UTC, func(Schedule) {})
	s.Register(Schedule{ID: "bad", Message: "go", Kind: KindEvery, Every: -1})

	if _, ok := s.schedules["bad"]; ok {
		t.Error("invalid schedule should not have been registered")
	}
}

func TestUnregisterStopsTimer(t *testing.T) {
	fired := make(chan Schedule, 1)
	s := New(nil, time.UTC, func(sched Schedule) { fired <- sched })
	s.Register(Schedule{ID: "short", Message: "go", Kind: KindEvery, Every: 20 * time.Millisecond})
	s.Start()
	defer s.Stop()

	s.Unregister("short")

	select {
	case got := <-fired:
		t.Errorf("expected no fire after Unregister, got %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}
