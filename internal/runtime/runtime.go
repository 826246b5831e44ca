// Package runtime wires the connectors, event bus, state cache, KV
// store, scheduler, and automation actors together into a single
// supervised process.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/lukepetko/mirai/internal/actor"
	"github.com/lukepetko/mirai/internal/automation"
	"github.com/lukepetko/mirai/internal/bus"
	"github.com/lukepetko/mirai/internal/config"
	"github.com/lukepetko/mirai/internal/event"
	"github.com/lukepetko/mirai/internal/haconn"
	"github.com/lukepetko/mirai/internal/kv"
	"github.com/lukepetko/mirai/internal/mqttconn"
	"github.com/lukepetko/mirai/internal/scheduler"
	"github.com/lukepetko/mirai/internal/statecache"
)

// Runtime holds every long-lived component of a running mirai
// process.
type Runtime struct {
	cfg    *config.Config
	logger *slog.Logger

	bus        *bus.Bus
	kv         *kv.Store
	stateCache *statecache.Cache
	ha         *haconn.Connector
	haREST     *haconn.RESTClient
	mqtt       *mqttconn.Connector
	scheduler  *scheduler.Scheduler

	actorsMu sync.Mutex
	actors   map[string]*actor.Actor

	startedAt time.Time
}

// New constructs a Runtime from cfg but does not start anything.
func New(cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	store, err := kv.Open(cfg.DataDir + "/global_state.dat")
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}

	tz, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	eventBus := bus.New(logger)

	r := &Runtime{
		cfg:        cfg,
		logger:     logger,
		bus:        eventBus,
		kv:         store,
		stateCache: statecache.New(logger,
			statecache.WithEntityFilter(statecache.NewEntityFilter(cfg.EntityFilter, logger)),
			statecache.WithRateLimiter(statecache.NewEntityRateLimiter(cfg.EntityRateLimitPerMinute)),
		),
		actors:     make(map[string]*actor.Actor),
	}

	haScheme := cfg.HomeAssistant.HTTPScheme()
	r.haREST = haconn.NewRESTClient(
		fmt.Sprintf("%s://%s:%d", haScheme, cfg.HomeAssistant.Host, cfg.HomeAssistant.Port),
		cfg.HomeAssistant.Token,
	)
	r.ha = haconn.New(
		fmt.Sprintf("%s:%d", cfg.HomeAssistant.Host, cfg.HomeAssistant.Port),
		cfg.HomeAssistant.TLS,
		cfg.HomeAssistant.Token,
		logger,
		eventBus,
	)

	if cfg.MQTT.Configured() {
		r.mqtt = mqttconn.New(mqttconn.Config{
			Host:          cfg.MQTT.Host,
			Port:          cfg.MQTT.Port,
			ClientID:      cfg.MQTT.ClientID,
			Username:      cfg.MQTT.Username,
			Password:      cfg.MQTT.Password,
			Subscriptions: cfg.MQTT.Subscriptions,
		}, logger, eventBus)
	}

	r.scheduler = scheduler.New(logger, tz, r.fireSchedule)

	return r, nil
}

// Run starts every component and blocks until ctx is canceled or a
// fatal error occurs. On return, every component has been shut down.
func (r *Runtime) Run(ctx context.Context) error {
	r.startedAt = time.Now()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		// Bootstrap hits the HA REST API and can block for its own
		// internal 10s timeout; running it off the main path keeps
		// connectors, automations, and the scheduler starting
		// immediately rather than waiting on it.
		r.stateCache.Bootstrap(ctx, r.haREST)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.stateCache.Run(ctx, r.bus)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.ha.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("home assistant connector: %w", err)
			cancel()
		}
	}()

	if r.mqtt != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.mqtt.Run(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("mqtt connector: %w", err)
				cancel()
			}
		}()
	}

	r.startAutomations(ctx)
	r.scheduler.Start()

	var healthSrv *http.Server
	if r.cfg.HealthAddr != "" {
		healthSrv = r.startHealthServer()
	}

	<-ctx.Done()

	r.logger.Info("runtime shutting down")
	r.scheduler.Stop()
	r.stopAutomations()
	if healthSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		healthSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	r.ha.Close()
	if r.mqtt != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		r.mqtt.Stop(stopCtx)
		stopCancel()
	}
	r.kv.Close()

	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// startAutomations reads the full automation registry, constructs one
// actor per automation with its own capability set bound to its name,
// arms its declared schedules, and subscribes the fan-out goroutines
// that deliver bus events to every actor's mailbox.
func (r *Runtime) startAutomations(ctx context.Context) {
	registrations := automation.All()

	ha := r.bus.Subscribe(bus.TopicHAEvents)
	mqtt := r.bus.Subscribe(bus.TopicMQTTEvents)

	r.actorsMu.Lock()
	for _, reg := range registrations {
		a := reg.Automation
		name := a.Name()
		caps := r.buildCapabilities(name)

		act := actor.New(name, r.logger, func(state any, msg any) (any, error) {
			callCtx := automation.WithCapabilities(context.Background(), caps)
			return dispatch(callCtx, a, state, msg)
		}, a.InitialState())
		act.Start(a.InitialState())
		r.actors[name] = act
	}
	r.actorsMu.Unlock()

	for _, reg := range registrations {
		r.armSchedules(reg)
	}

	go r.fanOut(ctx, ha)
	go r.fanOut(ctx, mqtt)

	r.logger.Info("automations started", "count", len(registrations))
}

// dispatch routes a mailbox message to the right Automation callback:
// an event.Event goes to HandleEvent, an automation.Message goes to
// HandleMessage if the automation implements MessageHandler, and is
// otherwise silently ignored (an automation that never sets a timer or
// declares a schedule has no use for MessageHandler).
func dispatch(ctx context.Context, a automation.Automation, state any, msg any) (any, error) {
	switch m := msg.(type) {
	case event.Event:
		return a.HandleEvent(ctx, m, state)
	case automation.Message:
		if h, ok := a.(automation.MessageHandler); ok {
			return h.HandleMessage(ctx, m, state)
		}
		return state, nil
	default:
		return state, fmt.Errorf("automation %s: unexpected mailbox message type %T", a.Name(), msg)
	}
}

// armSchedules converts an automation's declared ScheduleDecls into
// scheduler.Schedule values, applies any operator override loaded from
// MIRAI_AUTOMATIONS_FILE, and registers them.
func (r *Runtime) armSchedules(reg automation.Registration) {
	name := reg.Automation.Name()
	override, hasOverride := r.cfg.AutomationOverrides[name]

	for i, decl := range reg.Schedules {
		if hasOverride {
			applyScheduleOverride(&decl, override)
		}
		// A declaration without its own coordinates uses the configured
		// MIRAI_LATITUDE/MIRAI_LONGITUDE location.
		lat, lon := decl.Latitude, decl.Longitude
		if lat == 0 && lon == 0 {
			lat, lon = r.cfg.Latitude, r.cfg.Longitude
		}
		sched := scheduler.Schedule{
			ID:             automation.ScheduleID(name, decl, i),
			AutomationName: name,
			Message:        automation.Message{Name: fmt.Sprint(decl.Message), Payload: decl.Message},
			Kind:           scheduler.Kind(decl.Kind),
			Time:           decl.Time,
			Offset:         time.Duration(decl.Offset * float64(time.Second)),
			Every:          time.Duration(decl.Every * float64(time.Second)),
			Timezone:       decl.Timezone,
			Latitude:       lat,
			Longitude:      lon,
		}
		r.scheduler.Register(sched)
	}
}

// applyScheduleOverride overwrites a declared schedule's time/offset/
// every fields from an operator-supplied override. Fields the
// override leaves nil keep the automation's own registered value.
func applyScheduleOverride(decl *automation.ScheduleDecl, override config.AutomationOverride) {
	if override.Time != nil {
		decl.Time = *override.Time
	}
	if override.Offset != nil {
		decl.Offset = *override.Offset
	}
	if override.Every != nil {
		decl.Every = *override.Every
	}
}

// fanOut delivers every event on ch to every registered automation's
// mailbox. Automations that don't care about a given event simply
// return their state unchanged from HandleEvent.
func (r *Runtime) fanOut(ctx context.Context, ch <-chan event.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			r.actorsMu.Lock()
			for _, act := range r.actors {
				act.Send(evt)
			}
			r.actorsMu.Unlock()
		}
	}
}

func (r *Runtime) stopAutomations() {
	r.actorsMu.Lock()
	defer r.actorsMu.Unlock()
	for _, act := range r.actors {
		act.Stop()
	}
}

// fireSchedule is the scheduler's FireFunc: it routes a fired
// schedule's message to its owning automation's mailbox.
func (r *Runtime) fireSchedule(sched scheduler.Schedule) {
	r.actorsMu.Lock()
	act, ok := r.actors[sched.AutomationName]
	r.actorsMu.Unlock()
	if !ok {
		r.logger.Warn("schedule fired for unknown automation", "automation", sched.AutomationName)
		return
	}
	act.Send(sched.Message)
}

// buildCapabilities returns the Capabilities bound to automationName's
// own actor, so SetTimer/CancelTimer calls land in that automation's
// mailbox rather than some other automation's.
func (r *Runtime) buildCapabilities(automationName string) *automation.Capabilities {
	return &automation.Capabilities{
		CallServiceRaw: func(domain, service string, target, serviceData map[string]any) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if r.ha.State() != haconn.StateReady {
				// WS connector isn't up yet (startup, reconnect):
				// fall back to REST rather than dropping the call.
				return r.haREST.CallService(ctx, domain, service, mergeServiceData(target, serviceData))
			}
			return r.ha.CallService(ctx, domain, service, target, serviceData)
		},
		GetStateRaw: func(entityID string) (string, map[string]any, bool) {
			s, ok := r.stateCache.Get(entityID)
			if !ok {
				return "", nil, false
			}
			return s.State, s.Attributes, true
		},
		GetEntityAreaRaw: func(entityID string) (string, bool) {
			return r.stateCache.GetEntityArea(entityID)
		},
		GetGlobalRaw: func(key string, dst any) (bool, error) {
			return r.kv.Get(key, dst)
		},
		SetGlobalRaw: func(key string, value any) error {
			return r.kv.Set(key, value)
		},
		DeleteGlobalRaw: func(key string) error {
			return r.kv.Delete(key)
		},
		SetTimerRaw: func(name string, delaySeconds float64, payload any) {
			r.actorsMu.Lock()
			act, ok := r.actors[automationName]
			r.actorsMu.Unlock()
			if !ok {
				return
			}
			d := time.Duration(delaySeconds * float64(time.Second))
			act.SetTimer(name, d, automation.Message{Name: name, Payload: payload})
		},
		CancelTimerRaw: func(name string) {
			r.actorsMu.Lock()
			act, ok := r.actors[automationName]
			r.actorsMu.Unlock()
			if !ok {
				return
			}
			act.CancelTimer(name)
		},
	}
}

// mergeServiceData flattens a WS-style (target, serviceData) call into
// the single JSON body the REST service-call endpoint expects, with
// target's entity_id/device_id/area_id keys alongside the service data.
func mergeServiceData(target, serviceData map[string]any) map[string]any {
	data := make(map[string]any, len(target)+len(serviceData))
	for k, v := range serviceData {
		data[k] = v
	}
	for k, v := range target {
		data[k] = v
	}
	return data
}

func (r *Runtime) startHealthServer() *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		r.actorsMu.Lock()
		actorCount := len(r.actors)
		r.actorsMu.Unlock()

		status := map[string]any{
			"home_assistant": string(r.ha.State()),
			"uptime_seconds": time.Since(r.startedAt).Seconds(),
			"automations":    actorCount,
			"scheduler":      r.scheduler.Stats(),
		}
		if r.mqtt != nil {
			status["mqtt_configured"] = true
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	})

	srv := &http.Server{Addr: r.cfg.HealthAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("health server failed", "error", err)
		}
	}()
	return srv
}
