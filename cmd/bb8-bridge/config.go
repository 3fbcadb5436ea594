package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"bb8-bridge/internal/driver"
	"bb8-bridge/internal/entity"
)

type Config struct {
	BLE struct {
		Address     string `yaml:"address"`
		Adapter     string `yaml:"adapter"`
		AutoConnect *bool  `yaml:"auto_connect"`
	} `yaml:"ble"`
	// Serial reaches the toy through a UART BLE bridge instead of a local adapter.
	Serial struct {
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"serial"`
	Device struct {
		CommandTimeout time.Duration `yaml:"command_timeout"`
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
		PacketSpacing  time.Duration `yaml:"packet_spacing"`
		KeepAlive      time.Duration `yaml:"keepalive"`
		PollInterval   time.Duration `yaml:"poll_interval"`
		CollisionHold  time.Duration `yaml:"collision_hold"`
		TransitionStep time.Duration `yaml:"transition_step"`
		ReconnectMin   time.Duration `yaml:"reconnect_min"`
		ReconnectMax   time.Duration `yaml:"reconnect_max"`

		PowerID        uint8   `yaml:"power_id"`
		CollisionID    uint8   `yaml:"collision_id"`
		BatteryID      uint8   `yaml:"battery_id"`
		SpeedScale     float64 `yaml:"speed_scale"`
		MagnitudeScale float64 `yaml:"magnitude_scale"`
		BatteryMinV    float64 `yaml:"battery_min_volts"`
		BatteryMaxV    float64 `yaml:"battery_max_volts"`
	} `yaml:"device"`
	Lights  []lightConfig  `yaml:"light"`
	Buttons []buttonConfig `yaml:"buttons"`
	Sensors struct {
		Battery            *sensorConfig `yaml:"battery"`
		CollisionSpeed     *sensorConfig `yaml:"collision_speed"`
		CollisionMagnitude *sensorConfig `yaml:"collision_magnitude"`
	} `yaml:"sensors"`
	BinarySensor struct {
		Collision *sensorConfig `yaml:"collision"`
	} `yaml:"binary_sensor"`
	TextSensors struct {
		Status   *sensorConfig `yaml:"status"`
		Version  *sensorConfig `yaml:"version"`
		Charging *sensorConfig `yaml:"charging"`
	} `yaml:"text_sensors"`
	MQTT struct {
		Enabled         bool   `yaml:"enabled"`
		Broker          string `yaml:"broker"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		ClientID        string `yaml:"client_id"`
		TopicPrefix     string `yaml:"topic_prefix"`
		DiscoveryPrefix string `yaml:"discovery_prefix"`
		NodeID          string `yaml:"node_id"`
		DeviceName      string `yaml:"device_name"`
		CleanDiscovery  bool   `yaml:"clean_discovery"`
	} `yaml:"mqtt"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

type lightConfig struct {
	Name              string        `yaml:"name"`
	Type              string        `yaml:"type"`
	DefaultTransition time.Duration `yaml:"default_transition_length"`
}

type buttonConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`
}

type sensorConfig struct {
	Name     string `yaml:"name"`
	Accuracy *int   `yaml:"accuracy_decimals"`
}

func (s *sensorConfig) accuracy(def int) int {
	if s.Accuracy != nil {
		return *s.Accuracy
	}
	return def
}

func (c *Config) autoConnect() bool {
	return c.BLE.AutoConnect == nil || *c.BLE.AutoConnect
}

// linkAddress names the device end of the configured link.
func (c *Config) linkAddress() string {
	if c.Serial.Port != "" {
		return c.Serial.Port
	}
	return c.BLE.Address
}

func (c *Config) validate() error {
	switch {
	case c.BLE.Address == "" && c.Serial.Port == "":
		return errors.New("one of ble.address or serial.port is required")
	case c.BLE.Address != "" && c.Serial.Port != "":
		return errors.New("ble.address and serial.port are mutually exclusive")
	}
	if c.Device.BatteryMaxV < c.Device.BatteryMinV {
		return fmt.Errorf("device.battery_max_volts %.2f is below battery_min_volts %.2f", c.Device.BatteryMaxV, c.Device.BatteryMinV)
	}

	ids := map[string]string{}
	claim := func(section, name string) error {
		if name == "" {
			return fmt.Errorf("%s: name is required", section)
		}
		id := entity.ObjectID(name)
		if prev, ok := ids[id]; ok {
			return fmt.Errorf("%s %q: id %q already used by %s", section, name, id, prev)
		}
		ids[id] = section
		return nil
	}

	modes := map[driver.LightMode]bool{}
	for i, l := range c.Lights {
		mode, err := driver.ParseLightMode(l.Type)
		if err != nil {
			return fmt.Errorf("light[%d]: %w", i, err)
		}
		if modes[mode] {
			return fmt.Errorf("light[%d]: more than one %s light", i, mode)
		}
		modes[mode] = true
		if l.DefaultTransition < 0 {
			return fmt.Errorf("light[%d]: default_transition_length must not be negative", i)
		}
		if err := claim("light", l.Name); err != nil {
			return err
		}
	}
	for i, b := range c.Buttons {
		if _, err := entity.ParseButtonType(b.Type); err != nil {
			return fmt.Errorf("buttons[%d]: %w", i, err)
		}
		if err := claim("button", b.Name); err != nil {
			return err
		}
	}
	for _, s := range []struct {
		section string
		cfg     *sensorConfig
	}{
		{"sensors.battery", c.Sensors.Battery},
		{"sensors.collision_speed", c.Sensors.CollisionSpeed},
		{"sensors.collision_magnitude", c.Sensors.CollisionMagnitude},
		{"binary_sensor.collision", c.BinarySensor.Collision},
		{"text_sensors.status", c.TextSensors.Status},
		{"text_sensors.version", c.TextSensors.Version},
		{"text_sensors.charging", c.TextSensors.Charging},
	} {
		if s.cfg == nil {
			continue
		}
		if err := claim(s.section, s.cfg.Name); err != nil {
			return err
		}
	}

	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return errors.New("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = 115200
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "bb8-bridge.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "bb8"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	for i := range cfg.Lights {
		if cfg.Lights[i].Type == "" {
			cfg.Lights[i].Type = "RGB"
		}
	}
	return &cfg, nil
}

func (c *Config) sessionConfig() driver.Config {
	d := c.Device
	return driver.Config{
		AutoConnect:    c.autoConnect(),
		CommandTimeout: d.CommandTimeout,
		ConnectTimeout: d.ConnectTimeout,
		PacketSpacing:  d.PacketSpacing,
		KeepAlive:      d.KeepAlive,
		PollInterval:   d.PollInterval,
		CollisionHold:  d.CollisionHold,
		TransitionStep: d.TransitionStep,
		ReconnectMin:   d.ReconnectMin,
		ReconnectMax:   d.ReconnectMax,
		Telemetry: driver.TelemetryConfig{
			PowerID:         d.PowerID,
			CollisionID:     d.CollisionID,
			BatteryID:       d.BatteryID,
			SpeedScale:      d.SpeedScale,
			MagnitudeScale:  d.MagnitudeScale,
			BatteryMinVolts: d.BatteryMinV,
			BatteryMaxVolts: d.BatteryMaxV,
		},
	}
}
