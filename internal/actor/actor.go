// Package actor runs each registered automation as an isolated
// goroutine with its own mailbox, user state, and named timers. A
// panic in one automation's callback is recovered and the actor keeps
// the state it had before that call; a crash that escapes that
// recovery restarts the actor with fresh state. Neither takes down the
// runtime or any other automation.
package actor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler processes one mailbox message against the current user
// state and returns the (possibly unchanged) next state. A non-nil
// error is logged but does not stop the actor. A panic is logged and
// the state from before the call is kept.
type Handler func(state any, msg any) (nextState any, err error)

const mailboxSize = 64

// Actor runs a single automation's message loop.
type Actor struct {
	name    string
	logger  *slog.Logger
	handler Handler

	mailbox chan any

	mu          sync.Mutex
	state       any
	timers      map[string]*time.Timer
	stopCh      chan struct{}
	stoppedOnce sync.Once
	done        chan struct{}

	epoch string
}

// New creates an Actor for automation name with the given handler and
// initial state. Call Start to begin processing.
func New(name string, logger *slog.Logger, handler Handler, initialState any) *Actor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Actor{
		name:    name,
		logger:  logger,
		handler: handler,
		mailbox: make(chan any, mailboxSize),
		state:   initialState,
		timers:  make(map[string]*time.Timer),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		epoch:   uuid.NewString(),
	}
}

// Send delivers msg to the actor's mailbox. Non-blocking: if the
// mailbox is full the message is dropped and a warning is logged,
// rather than applying backpressure to the publisher.
func (a *Actor) Send(msg any) {
	select {
	case a.mailbox <- msg:
	default:
		a.logger.Warn("automation mailbox full, dropping message", "automation", a.name)
	}
}

// Start begins the actor's message loop on its own goroutine. A
// panicking handler call is logged with the automation name and
// offending message, and the loop continues with the state it had
// before that call. Only a crash that escapes that per-message
// recovery restarts the loop with initialState, discarding any state
// accumulated before it.
func (a *Actor) Start(initialState any) {
	go a.runSupervised(initialState)
}

func (a *Actor) runSupervised(initialState any) {
	defer close(a.done)
	for {
		select {
		case <-a.stopCh:
			return
		default:
		}

		crashed := a.runOnce(initialState)
		if !crashed {
			return
		}
		a.mu.Lock()
		a.epoch = uuid.NewString()
		a.mu.Unlock()
		a.logger.Info("restarting automation with fresh state", "automation", a.name, "epoch", a.epoch)
	}
}

// runOnce processes the mailbox until stopped or a crash escapes
// processMessage's own recovery. Returns true if it exited due to
// such a crash (so the caller should restart with fresh state), false
// if it exited because Stop was called. An ordinary handler panic is
// caught inside processMessage and never reaches this outer recover —
// it keeps the actor's pre-call state and the loop continues.
func (a *Actor) runOnce(initialState any) (crashed bool) {
	a.mu.Lock()
	a.state = initialState
	a.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("automation actor crashed, isolating and restarting with fresh state",
				"automation", a.name, "panic", r)
			crashed = true
		}
	}()

	for {
		select {
		case <-a.stopCh:
			return false
		case msg := <-a.mailbox:
			a.processMessage(msg)
		}
	}
}

// processMessage invokes the handler for one mailbox message. A
// panicking handler is recovered here: it's logged and the actor
// keeps the state it had before the call, rather than the fresh
// initial_state reserved for a crash that escapes this recovery.
func (a *Actor) processMessage(msg any) {
	a.mu.Lock()
	current := a.state
	a.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("automation handler panicked, keeping prior state",
				"automation", a.name, "message", msg, "panic", r)
		}
	}()

	next, err := a.handler(current, msg)
	if err != nil {
		a.logger.Warn("automation handler returned error",
			"automation", a.name, "message", msg, "error", err)
	}

	a.mu.Lock()
	a.state = next
	a.mu.Unlock()
}

// Stop signals the actor to exit its message loop and waits for it to
// do so. Active timers are canceled.
func (a *Actor) Stop() {
	a.stoppedOnce.Do(func() {
		close(a.stopCh)
	})
	<-a.done

	a.mu.Lock()
	for name, t := range a.timers {
		t.Stop()
		delete(a.timers, name)
	}
	a.mu.Unlock()
}

// SetTimer arms a named timer that sends msg to the mailbox after d.
// Setting a timer under a name that already has one cancels the
// previous timer first — replace semantics, matching a second call to
// the same named timer superseding the first rather than stacking.
func (a *Actor) SetTimer(name string, d time.Duration, msg any) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.timers[name]; ok {
		existing.Stop()
	}
	a.timers[name] = time.AfterFunc(d, func() { a.Send(msg) })
}

// CancelTimer stops a named timer if it exists. A no-op if the name
// was never set or has already fired.
func (a *Actor) CancelTimer(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.timers[name]; ok {
		t.Stop()
		delete(a.timers, name)
	}
}

// State returns a snapshot of the actor's current user state, for
// diagnostics. Safe for concurrent use.
func (a *Actor) State() any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}
