// Package mqttconn maintains the MQTT broker connection: subscribing
// to configured topic filters, publishing outbound messages, and
// normalizing inbound publishes onto the event bus.
package mqttconn

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/lukepetko/mirai/internal/bus"
	"github.com/lukepetko/mirai/internal/normalize"
)

// Config is the subset of MQTT connection settings mqttconn needs.
type Config struct {
	Host          string
	Port          int
	ClientID      string
	Username      string
	Password      string
	Subscriptions []string
	TLS           bool
}

// Connector owns the MQTT connection via autopaho, which handles
// reconnection and keepalive internally.
type Connector struct {
	cfg    Config
	logger *slog.Logger
	bus    *bus.Bus

	cm *autopaho.ConnectionManager
}

// New creates a Connector. Call Run to connect.
func New(cfg Config, logger *slog.Logger, b *bus.Bus) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{cfg: cfg, logger: logger, bus: b}
}

// Run connects to the broker and blocks until ctx is canceled.
// Reconnection after a dropped connection is handled internally by
// autopaho; subscriptions are re-issued in OnConnectionUp since the
// broker does not remember them across a session loss.
func (c *Connector) Run(ctx context.Context) error {
	scheme := "mqtt"
	if c.cfg.TLS {
		scheme = "mqtts"
	}
	brokerURL := &url.URL{Scheme: scheme, Host: fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: c.cfg.Username,
		ConnectPassword: []byte(c.cfg.Password),
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			c.logger.Info("mqtt connected", "broker", brokerURL.String())
			subCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			c.subscribe(subCtx, cm)
		},
		OnConnectError: func(err error) {
			c.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: c.cfg.ClientID,
		},
	}

	if c.cfg.TLS {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	pahoCfg.ClientConfig.Router = paho.NewStandardRouter()
	router := pahoCfg.ClientConfig.Router.(*paho.StandardRouter)
	router.RegisterHandler("#", func(p *paho.Publish) {
		if c.bus == nil {
			return
		}
		c.bus.Publish(bus.TopicMQTTEvents, normalize.MQTTMessage(p.Topic, p.Payload))
	})

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	c.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		c.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	<-ctx.Done()
	return ctx.Err()
}

// Publish sends payload to topic. Returns an error immediately if the
// connection manager has not been established yet (Run has not been
// called or has not connected).
func (c *Connector) Publish(ctx context.Context, topic string, payload []byte, retain bool) error {
	if c.cm == nil {
		return fmt.Errorf("mqtt publish %s dropped: not connected", topic)
	}
	_, err := c.cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     0,
		Retain:  retain,
	})
	return err
}

// Stop disconnects from the broker.
func (c *Connector) Stop(ctx context.Context) error {
	if c.cm == nil {
		return nil
	}
	return c.cm.Disconnect(ctx)
}

func (c *Connector) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	subs := c.cfg.Subscriptions
	if len(subs) == 0 {
		return
	}

	opts := make([]paho.SubscribeOptions, 0, len(subs))
	for _, topic := range subs {
		opts = append(opts, paho.SubscribeOptions{Topic: topic, QoS: 0})
	}

	if _, err := cm.Subscribe(ctx, &paho.Subscribe{Subscriptions: opts}); err != nil {
		c.logger.Error("mqtt subscribe failed", "error", err, "topics", subs)
	} else {
		c.logger.Info("mqtt subscribed", "topics", subs)
	}
}
