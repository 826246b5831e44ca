// Package automations holds the concrete automations that register
// themselves with internal/automation at init time. It is imported
// only for its side effect (registration), never called directly.
package automations

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lukepetko/mirai/internal/automation"
	"github.com/lukepetko/mirai/internal/event"
)

const (
	pomodoroWorkLight  = "light.pomodoro_work"
	pomodoroBreakLight = "light.pomodoro_break"
	pomodoroWorkTimer  = "pomodoro_work_done"
	pomodoroBreakTimer = "pomodoro_break_done"
	pomodoroKVKey      = "pomodoro.completed_today"

	workDuration  = 25 * time.Minute
	breakDuration = 5 * time.Minute
)

// pomodoroState tracks whether a session is running and which phase.
type pomodoroState struct {
	Running bool
	OnBreak bool
}

// pomodoroAutomation drives a work/break indicator light from MQTT
// start/stop messages published under "pomodoro/timer/+" and keeps a
// running count of completed sessions in the global KV store, reset
// daily at midnight.
type pomodoroAutomation struct{}

func (pomodoroAutomation) Name() string { return "pomodoro_timer" }

func (pomodoroAutomation) InitialState() any { return pomodoroState{} }

// HandleEvent reacts to MQTT publishes on pomodoro/timer/start and
// pomodoro/timer/stop. Every other event (HA state changes, unrelated
// MQTT topics) is ignored.
func (p pomodoroAutomation) HandleEvent(ctx context.Context, ev event.Event, state any) (any, error) {
	if ev.Source != event.SourceMQTT {
		return state, nil
	}

	st := state.(pomodoroState)

	switch ev.EntityID {
	case "pomodoro/timer/start":
		return p.start(ctx, st)
	case "pomodoro/timer/stop":
		return p.stop(ctx, st)
	default:
		return state, nil
	}
}

func (p pomodoroAutomation) start(ctx context.Context, st pomodoroState) (pomodoroState, error) {
	if st.Running {
		return st, nil
	}
	if err := automation.CallService(ctx, "light.turn_on", map[string]any{"entity_id": pomodoroWorkLight}); err != nil {
		return st, fmt.Errorf("start work light: %w", err)
	}
	automation.SetTimer(ctx, pomodoroWorkTimer, workDuration.Seconds(), nil)
	return pomodoroState{Running: true, OnBreak: false}, nil
}

func (p pomodoroAutomation) stop(ctx context.Context, st pomodoroState) (pomodoroState, error) {
	if !st.Running {
		return st, nil
	}
	automation.CancelTimer(ctx, pomodoroWorkTimer)
	automation.CancelTimer(ctx, pomodoroBreakTimer)
	if err := automation.CallService(ctx, "light.turn_off", map[string]any{"entity_id": pomodoroWorkLight}); err != nil {
		return st, err
	}
	if err := automation.CallService(ctx, "light.turn_off", map[string]any{"entity_id": pomodoroBreakLight}); err != nil {
		return st, err
	}
	return pomodoroState{}, nil
}

// HandleMessage reacts to the work/break phase timers and to the
// midnight counter-reset schedule.
func (p pomodoroAutomation) HandleMessage(ctx context.Context, msg automation.Message, state any) (any, error) {
	st := state.(pomodoroState)

	switch msg.Name {
	case pomodoroWorkTimer:
		return p.finishWork(ctx, st)
	case pomodoroBreakTimer:
		return p.finishBreak(ctx, st)
	case "reset_daily_count":
		if err := automation.SetGlobal(ctx, pomodoroKVKey, 0); err != nil {
			slog.Default().Warn("pomodoro: failed to reset daily count", "error", err)
		}
		return st, nil
	default:
		return st, nil
	}
}

func (p pomodoroAutomation) finishWork(ctx context.Context, st pomodoroState) (pomodoroState, error) {
	if err := automation.CallService(ctx, "light.turn_off", map[string]any{"entity_id": pomodoroWorkLight}); err != nil {
		return st, err
	}
	if err := automation.CallService(ctx, "light.turn_on", map[string]any{"entity_id": pomodoroBreakLight}); err != nil {
		return st, err
	}

	var completed int
	if _, err := automation.GetGlobal(ctx, pomodoroKVKey, &completed); err != nil {
		slog.Default().Warn("pomodoro: failed to read completed count", "error", err)
	}
	if err := automation.SetGlobal(ctx, pomodoroKVKey, completed+1); err != nil {
		slog.Default().Warn("pomodoro: failed to persist completed count", "error", err)
	}

	automation.SetTimer(ctx, pomodoroBreakTimer, breakDuration.Seconds(), nil)
	return pomodoroState{Running: true, OnBreak: true}, nil
}

func (p pomodoroAutomation) finishBreak(ctx context.Context, st pomodoroState) (pomodoroState, error) {
	if err := automation.CallService(ctx, "light.turn_off", map[string]any{"entity_id": pomodoroBreakLight}); err != nil {
		return st, err
	}
	return pomodoroState{}, nil
}

func init() {
	automation.Register(pomodoroAutomation{},
		automation.ScheduleDecl{
			Kind:    automation.KindDaily,
			Time:    "00:00",
			Message: "reset_daily_count",
		},
	)
}
