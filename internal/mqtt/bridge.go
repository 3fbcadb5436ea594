//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"bb8-bridge/internal/driver"
	"bb8-bridge/internal/entity"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker          string
	Username        string
	Password        string
	ClientID        string
	TopicPrefix     string
	DiscoveryPrefix string
	NodeID          string
	DeviceName      string
	// SWVersion is the last known firmware, shown on the HA device page.
	SWVersion string
	// CleanDiscovery removes the discovery entries on Stop.
	CleanDiscovery bool
}

// StatusSource reports the toy connection state.
type StatusSource interface {
	ConnectionStatus() driver.ConnState
}

// Bridge publishes the entity registry to MQTT with HA autodiscovery.
type Bridge struct {
	client   pahomqtt.Client
	entities *entity.Registry
	bus      *entity.EventBus
	status   StatusSource
	topics   topics
	device   haDevice
	clean    bool
	logger   *slog.Logger
	unsub    func()
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(entities *entity.Registry, bus *entity.EventBus, status StatusSource, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(entities, bus, status, cfg, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "bb8-bridge"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(b.topics.bridgeState(), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.announce()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(entities *entity.Registry, bus *entity.EventBus, status StatusSource, cfg Config, logger *slog.Logger) *Bridge {
	t := topics{prefix: cfg.TopicPrefix, discovery: cfg.DiscoveryPrefix, nodeID: cfg.NodeID}
	if t.prefix == "" {
		t.prefix = "bb8"
	}
	if t.discovery == "" {
		t.discovery = "homeassistant"
	}
	if t.nodeID == "" {
		t.nodeID = "bb8"
	}
	name := cfg.DeviceName
	if name == "" {
		name = "BB-8"
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		entities: entities,
		bus:      bus,
		status:   status,
		topics:   t,
		device: haDevice{
			Identifiers:  []string{t.nodeID},
			Manufacturer: "Sphero",
			Model:        "BB-8",
			Name:         name,
			SWVersion:    cfg.SWVersion,
		},
		clean:  cfg.CleanDiscovery,
		logger: logger.With("component", "mqtt"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to entity events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.bus.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.topics.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	if b.clean {
		for _, msg := range buildRemoveDiscovery(b.entities.All(), b.topics) {
			b.publish(msg.Topic, msg.Payload, true)
		}
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// announce runs on every (re)connect to the broker.
func (b *Bridge) announce() {
	b.publishBridgeState("online")
	b.publishAvailability(b.status.ConnectionStatus() == driver.Connected)
	for _, msg := range buildDiscovery(b.entities.All(), b.topics, b.device) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.subscribeCommands()
	for _, snap := range b.entities.Snapshots() {
		b.publishState(snap)
	}
}

func (b *Bridge) handleEvent(event entity.Event) {
	switch event.Type {
	case entity.EventStateChanged:
		change, ok := event.Data.(entity.StateChange)
		if !ok {
			return
		}
		e, ok := b.entities.Get(change.ID)
		if !ok {
			return
		}
		b.publishState(e.Snapshot())
	case entity.EventConnection:
		change, ok := event.Data.(entity.ConnectionChange)
		if !ok {
			return
		}
		b.publishAvailability(change.State == driver.Connected.String())
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.topics.bridgeState(), []byte(state), true)
}

func (b *Bridge) publishAvailability(online bool) {
	state := "offline"
	if online {
		state = "online"
	}
	b.publish(b.topics.availability(), []byte(state), true)
}

func (b *Bridge) publishState(snap entity.Snapshot) {
	payload, ok := statePayload(snap)
	if !ok {
		return
	}
	b.publish(b.topics.state(snap.ID), payload, true)
}

func (b *Bridge) subscribeCommands() {
	for _, e := range b.entities.All() {
		id := e.ID()
		switch e.Kind() {
		case entity.KindLight:
			b.client.Subscribe(b.topics.lightSet(id), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
				b.handleLightCommand(id, msg.Payload())
			})
		case entity.KindButton:
			b.client.Subscribe(b.topics.press(id), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
				b.handlePress(id, msg.Payload())
			})
		}
	}
}

// lightCommand is the HA JSON-schema light command.
type lightCommand struct {
	State      string   `json:"state"`
	Brightness *float64 `json:"brightness"`
	Color      *struct {
		R float64 `json:"r"`
		G float64 `json:"g"`
		B float64 `json:"b"`
	} `json:"color"`
	Transition *float64 `json:"transition"`
}

type rgb255 struct {
	R int `json:"r"`
	G int `json:"g"`
	B int `json:"b"`
}

// parseLightCommand converts an HA JSON light command into an entity command.
// Brightness and colour channels are 0-255, transition is in seconds.
func parseLightCommand(payload []byte) (entity.LightCommand, error) {
	var raw lightCommand
	if err := json.Unmarshal(payload, &raw); err != nil {
		return entity.LightCommand{}, err
	}

	var cmd entity.LightCommand
	switch strings.ToUpper(raw.State) {
	case "ON":
		on := true
		cmd.State = &on
	case "OFF":
		off := false
		cmd.State = &off
	case "":
	default:
		return entity.LightCommand{}, fmt.Errorf("unknown state %q", raw.State)
	}
	if raw.Brightness != nil {
		br := *raw.Brightness / 255
		cmd.Brightness = &br
	}
	if raw.Color != nil {
		cmd.Color = &entity.Color{R: raw.Color.R / 255, G: raw.Color.G / 255, B: raw.Color.B / 255}
	}
	if raw.Transition != nil {
		d := time.Duration(*raw.Transition * float64(time.Second))
		cmd.Transition = &d
	}
	return cmd, nil
}

func (b *Bridge) handleLightCommand(id string, payload []byte) {
	light, ok := b.entities.Light(id)
	if !ok {
		b.logger.Warn("command for unknown light", "id", id)
		return
	}
	cmd, err := parseLightCommand(payload)
	if err != nil {
		b.logger.Warn("invalid light command", "id", id, "err", err)
		return
	}
	p := light.Set(cmd)
	go func() {
		if err := p.Wait(b.ctx); err != nil && b.ctx.Err() == nil {
			b.logger.Warn("light command failed", "id", id, "err", err)
		}
	}()
}

func (b *Bridge) handlePress(id string, payload []byte) {
	btn, ok := b.entities.Button(id)
	if !ok {
		b.logger.Warn("press for unknown button", "id", id)
		return
	}
	if p := strings.TrimSpace(string(payload)); p != "" && !strings.EqualFold(p, "PRESS") {
		b.logger.Warn("unexpected button payload", "id", id, "payload", p)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(b.ctx, 30*time.Second)
		defer cancel()
		if err := btn.Press(ctx); err != nil && b.ctx.Err() == nil {
			b.logger.Warn("button press failed", "id", id, "err", err)
		}
	}()
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// lightState is the HA JSON-schema light state.
type lightState struct {
	State      string  `json:"state"`
	Brightness int     `json:"brightness"`
	ColorMode  string  `json:"color_mode"`
	Color      *rgb255 `json:"color,omitempty"`
}

// statePayload renders an entity state for its state topic. ok is false
// for entities without a state.
func statePayload(snap entity.Snapshot) ([]byte, bool) {
	switch v := snap.State.(type) {
	case nil:
		return nil, false
	case bool:
		if v {
			return []byte("ON"), true
		}
		return []byte("OFF"), true
	case float64:
		return []byte(strconv.FormatFloat(v, 'f', -1, 64)), true
	case string:
		return []byte(v), true
	case entity.LightStatus:
		st := lightState{State: "OFF", Brightness: to255(v.Brightness), ColorMode: "brightness"}
		if v.On {
			st.State = "ON"
		}
		if v.Mode == driver.LightRGB.String() {
			st.ColorMode = "rgb"
			st.Color = &rgb255{to255(v.Color.R), to255(v.Color.G), to255(v.Color.B)}
		}
		return mustJSON(st), true
	default:
		return mustJSON(v), true
	}
}

func to255(v float64) int {
	return int(math.Round(v * 255))
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
