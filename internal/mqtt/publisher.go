package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/cadence/internal/buildinfo"
	"github.com/nugget/cadence/internal/config"
	"github.com/nugget/cadence/internal/events"
)

// busBuffer is the bus subscription depth. A broker stall longer than
// this many events drops the excess rather than blocking the bus.
const busBuffer = 256

// publishClient is the subset of [autopaho.ConnectionManager] the
// forwarding loop needs.
type publishClient interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher forwards bus events to the broker and keeps the
// availability and sensor topics current.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	bus        *events.Bus
	stats      *ActivityStats
	logger     *slog.Logger
	cm         *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to connect and begin forwarding.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, stats *ActivityStats, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if stats == nil {
		stats = NewActivityStats(nil)
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "cadence"
	}
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = time.Minute
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "Cadence"
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		bus:        bus,
		stats:      stats,
		logger:     logger,
	}
}

// Start connects to the broker and forwards events until ctx is
// cancelled. On every (re-)connect it publishes discovery configs and
// the birth message.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	clientID := p.cfg.ClientID
	if clientID == "" {
		clientID = "cadence-" + p.instanceID
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	ch := p.bus.Subscribe(busBuffer)
	defer p.bus.Unsubscribe(ch)
	p.run(ctx, cm, ch)
	return nil
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. The operator API uses it as a readiness probe.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) eventsTopic() string {
	return p.cfg.TopicPrefix + "/events"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.cfg.TopicPrefix + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(entity string) string {
	return p.cfg.DiscoveryPrefix + "/sensor/" + p.instanceID + "/" + entity + "/config"
}

type sensorDef struct {
	entity string
	config SensorConfig
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	sensor := func(entity, name, icon string, mutate func(*SensorConfig)) sensorDef {
		c := SensorConfig{
			Name:              name,
			ObjectID:          entity,
			HasEntityName:     true,
			UniqueID:          p.instanceID + "_" + entity,
			StateTopic:        p.stateTopic(entity),
			AvailabilityTopic: p.availabilityTopic(),
			Device:            p.device,
			Icon:              icon,
		}
		if mutate != nil {
			mutate(&c)
		}
		return sensorDef{entity: entity, config: c}
	}
	return []sensorDef{
		sensor("dispatches_today", "Requests Today", "mdi:message-reply-text", func(c *SensorConfig) {
			c.StateClass = "total_increasing"
			c.UnitOfMeasurement = "requests"
		}),
		sensor("failures_today", "Failures Today", "mdi:alert-circle-outline", func(c *SensorConfig) {
			c.StateClass = "total_increasing"
		}),
		sensor("last_intent", "Last Request", "mdi:calendar-check", nil),
		sensor("uptime", "Uptime", "mdi:clock-outline", func(c *SensorConfig) {
			c.EntityCategory = "diagnostic"
		}),
		sensor("version", "Version", "mdi:tag", func(c *SensorConfig) {
			c.EntityCategory = "diagnostic"
		}),
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, pub publishClient) {
	if p.cfg.DiscoveryPrefix == "" {
		return
	}
	for _, s := range p.sensorDefinitions() {
		topic := p.discoveryTopic(s.entity)
		payload, err := json.Marshal(s.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", s.entity, "error", err)
			continue
		}
		if _, err := pub.Publish(ctx, &paho.Publish{Topic: topic, Payload: payload, QoS: 1, Retain: true}); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", s.entity, "topic", topic, "error", err)
			continue
		}
		p.logger.Debug("mqtt discovery published", "entity", s.entity, "topic", topic)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, pub publishClient, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

// run forwards events from ch and refreshes sensor states on the
// publish interval until ctx is cancelled or ch closes.
func (p *Publisher) run(ctx context.Context, pub publishClient, ch <-chan events.Event) {
	ticker := time.NewTicker(p.cfg.PublishInterval)
	defer ticker.Stop()

	p.publishStates(ctx, pub)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			p.stats.Observe(e)
			p.publishEvent(ctx, pub, e)
		case <-ticker.C:
			p.publishStates(ctx, pub)
		}
	}
}

func (p *Publisher) publishEvent(ctx context.Context, pub publishClient, e events.Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	if _, err := pub.Publish(ctx, &paho.Publish{Topic: p.eventsTopic(), Payload: payload}); err != nil {
		p.logger.Debug("mqtt event publish failed", "kind", e.Kind, "error", err)
	}
}

func (p *Publisher) publishStates(ctx context.Context, pub publishClient) {
	dispatches, failures, last, _ := p.stats.Snapshot()
	if last == "" {
		last = "none"
	}
	states := map[string]string{
		"dispatches_today": strconv.FormatInt(dispatches, 10),
		"failures_today":   strconv.FormatInt(failures, 10),
		"last_intent":      last,
		"uptime":           buildinfo.Uptime().String(),
		"version":          buildinfo.Version,
	}
	for entity, value := range states {
		if _, err := pub.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
	p.logger.Debug("mqtt sensor states published", "entities", len(states))
}
