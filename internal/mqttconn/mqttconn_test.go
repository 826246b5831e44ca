package mqttconn

import (
	"context"
	"testing"
)

func TestPublishDroppedWhenNotConnected(t *testing.T) {
	c := New(Config{Host: "broker.local", Port: 1883, ClientID: "test"}, nil, nil)
	err := c.Publish(context.Background(), "pomodoro/timer/state", []byte("running"), false)
	if err == nil {
		t.Fatal("expected error when publishing before connection is established")
	}
}

func TestStopWithNoConnectionIsNoop(t *testing.T) {
	c := New(Config{Host: "broker.local", Port: 1883, ClientID: "test"}, nil, nil)
	if err := c.Stop(context.Background()); err != nil {
		t.Errorf("Stop() on never-connected connector error = %v, want nil", err)
	}
}
