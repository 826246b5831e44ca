package actor

import (
	"fmt"
	"testing"
	"time"
)

func TestSendProcessesMessage(t *testing.T) {
	results := make(chan any, 1)
	handler := func(state any, msg any) (any, error) {
		results <- msg
		return state, nil
	}

	a := New("test", nil, handler, nil)
	a.Start(nil)
	defer a.Stop()

	a.Send("hello")

	select {
	case got := <-results:
		if got != "hello" {
			t.Errorf("got %v, want hello", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message to be processed")
	}
}

func TestStateAccumulates(t *testing.T) {
	handler := func(state any, msg any) (any, error) {
		return state.(int) + msg.(int), nil
	}

	a := New("counter", nil, handler, 0)
	a.Start(0)
	defer a.Stop()

	a.Send(1)
	a.Send(2)
	a.Send(3)

	deadline := time.After(time.Second)
	for {
		if a.State() == 6 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("state = %v, want 6", a.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestPanicRecoversAndKeepsPriorState(t *testing.T) {
	var calls int
	handler := func(state any, msg any) (any, error) {
		calls++
		switch msg {
		case "seed":
			return "seeded", nil
		case "boom":
			panic("simulated automation bug")
		default:
			return state, nil
		}
	}

	a := New("flaky", nil, handler, "initial")
	a.Start("initial")
	defer a.Stop()

	a.Send("seed")
	deadline := time.After(time.Second)
	for a.State() != "seeded" {
		select {
		case <-deadline:
			t.Fatal("actor never reached seeded state")
		case <-time.After(5 * time.Millisecond):
		}
	}

	a.Send("boom")

	// An ordinary handler panic is caught and must keep the actor's
	// pre-call state ("seeded"), not reset it to a fresh initial_state.
	time.Sleep(50 * time.Millisecond)
	if got := a.State(); got != "seeded" {
		t.Fatalf("state after panic = %v, want unchanged %q", got, "seeded")
	}

	// Confirm the actor is still alive and processing after the panic.
	a.Send("ping")
	deadline = time.After(time.Second)
	for calls < 3 {
		select {
		case <-deadline:
			t.Fatal("actor stopped processing after recovering from panic")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestMailboxDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	handler := func(state any, msg any) (any, error) {
		<-block
		return state, nil
	}

	a := New("slow", nil, handler, nil)
	a.Start(nil)
	defer func() {
		close(block)
		a.Stop()
	}()

	for i := 0; i < mailboxSize+10; i++ {
		a.Send(i)
	}
	// Must not deadlock or panic; excess sends are dropped.
}

func TestTimerFiresMessage(t *testing.T) {
	fired := make(chan any, 1)
	handler := func(state any, msg any) (any, error) {
		fired <- msg
		return state, nil
	}

	a := New("timed", nil, handler, nil)
	a.Start(nil)
	defer a.Stop()

	a.SetTimer("fire", 10*time.Millisecond, "timer-fired")

	select {
	case got := <-fired:
		if got != "timer-fired" {
			t.Errorf("got %v, want timer-fired", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for timer to fire")
	}
}

func TestSetTimerReplacesExisting(t *testing.T) {
	fired := make(chan any, 2)
	handler := func(state any, msg any) (any, error) {
		fired <- msg
		return state, nil
	}

	a := New("replace", nil, handler, nil)
	a.Start(nil)
	defer a.Stop()

	a.SetTimer("slot", 500*time.Millisecond, "first")
	a.SetTimer("slot", 10*time.Millisecond, "second")

	select {
	case got := <-fired:
		if got != "second" {
			t.Errorf("got %v, want second (replaced timer)", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for replacement timer to fire")
	}

	select {
	case got := <-fired:
		t.Errorf("unexpected second fire: %v", got)
	case <-time.After(600 * time.Millisecond):
	}
}

func TestCancelTimerPreventsFiring(t *testing.T) {
	fired := make(chan any, 1)
	handler := func(state any, msg any) (any, error) {
		fired <- msg
		return state, nil
	}

	a := New("cancel", nil, handler, nil)
	a.Start(nil)
	defer a.Stop()

	a.SetTimer("slot", 20*time.Millisecond, "should-not-fire")
	a.CancelTimer("slot")

	select {
	case got := <-fired:
		t.Errorf("unexpected fire after cancel: %v", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func ExampleActor_errorIsLoggedNotFatal() {
	handler := func(state any, msg any) (any, error) {
		return state, fmt.Errorf("handler error for %v", msg)
	}
	a := New("erroring", nil, handler, nil)
	a.Start(nil)
	defer a.Stop()
	a.Send("msg")
	time.Sleep(10 * time.Millisecond)
	// Output:
}
