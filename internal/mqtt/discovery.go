//go:build !no_mqtt

package mqtt

import (
	"fmt"

	"bb8-bridge/internal/driver"
	"bb8-bridge/internal/entity"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/sensor/bb8/battery/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

type haAvailability struct {
	Topic string `json:"topic"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name                string           `json:"name"`
	UniqueID            string           `json:"unique_id"`
	StateTopic          string           `json:"state_topic,omitempty"`
	CommandTopic        string           `json:"command_topic,omitempty"`
	Availability        []haAvailability `json:"availability"`
	AvailabilityMode    string           `json:"availability_mode,omitempty"`
	UnitOfMeasurement   string           `json:"unit_of_measurement,omitempty"`
	DeviceClass         string           `json:"device_class,omitempty"`
	StateClass          string           `json:"state_class,omitempty"`
	PayloadOn           string           `json:"payload_on,omitempty"`
	PayloadOff          string           `json:"payload_off,omitempty"`
	PayloadPress        string           `json:"payload_press,omitempty"`
	Brightness          bool             `json:"brightness,omitempty"`
	SupportedColorModes []string         `json:"supported_color_modes,omitempty"`
	Schema              string           `json:"schema,omitempty"`
	Device              haDevice         `json:"device"`
}

// topics derives every topic the bridge uses from its configuration.
type topics struct {
	prefix    string
	discovery string
	nodeID    string
}

func (t topics) bridgeState() string       { return t.prefix + "/bridge/state" }
func (t topics) availability() string      { return t.prefix + "/status" }
func (t topics) state(id string) string    { return t.prefix + "/" + id + "/state" }
func (t topics) lightSet(id string) string { return t.prefix + "/" + id + "/set" }
func (t topics) press(id string) string    { return t.prefix + "/" + id + "/press" }

func (t topics) config(component, id string) string {
	return fmt.Sprintf("%s/%s/%s/%s/config", t.discovery, component, t.nodeID, id)
}

// component maps an entity kind onto its HA component; text sensors are
// plain sensors without a unit.
func component(kind entity.Kind) string {
	if kind == entity.KindTextSensor {
		return "sensor"
	}
	return string(kind)
}

// buildDiscovery generates one HA discovery message per entity.
func buildDiscovery(entities []entity.Entity, t topics, dev haDevice) []discoveryMsg {
	msgs := make([]discoveryMsg, 0, len(entities))
	for _, e := range entities {
		payload := haDiscovery{
			Name:     e.Name(),
			UniqueID: t.nodeID + "_" + e.ID(),
			Availability: []haAvailability{
				{Topic: t.bridgeState()},
				{Topic: t.availability()},
			},
			AvailabilityMode: "all",
			Device:           dev,
		}

		switch v := e.(type) {
		case *entity.Sensor:
			cfg := v.Config()
			payload.StateTopic = t.state(e.ID())
			payload.UnitOfMeasurement = cfg.Unit
			payload.DeviceClass = cfg.DeviceClass
			payload.StateClass = cfg.StateClass
		case *entity.BinarySensor:
			payload.StateTopic = t.state(e.ID())
			payload.DeviceClass = v.DeviceClass()
			payload.PayloadOn = "ON"
			payload.PayloadOff = "OFF"
		case *entity.TextSensor:
			payload.StateTopic = t.state(e.ID())
		case *entity.Light:
			payload.StateTopic = t.state(e.ID())
			payload.CommandTopic = t.lightSet(e.ID())
			payload.Schema = "json"
			payload.Brightness = true
			if v.Mode() == driver.LightTaillight {
				payload.SupportedColorModes = []string{"brightness"}
			} else {
				payload.SupportedColorModes = []string{"rgb"}
			}
		case *entity.Button:
			payload.CommandTopic = t.press(e.ID())
			payload.PayloadPress = "PRESS"
			// Connect and disconnect must work while the toy is away.
			if v.Type() == entity.ButtonConnect || v.Type() == entity.ButtonDisconnect {
				payload.Availability = payload.Availability[:1]
				payload.AvailabilityMode = ""
			}
		default:
			continue
		}

		msgs = append(msgs, discoveryMsg{
			Topic:   t.config(component(e.Kind()), e.ID()),
			Payload: mustJSON(payload),
		})
	}
	return msgs
}

// buildRemoveDiscovery generates empty retained messages to remove entities from HA.
func buildRemoveDiscovery(entities []entity.Entity, t topics) []discoveryMsg {
	msgs := make([]discoveryMsg, 0, len(entities))
	for _, e := range entities {
		msgs = append(msgs, discoveryMsg{Topic: t.config(component(e.Kind()), e.ID())})
	}
	return msgs
}
