package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"bb8-bridge/internal/driver"
	"bb8-bridge/internal/entity"
	"bb8-bridge/internal/store"
	"bb8-bridge/internal/transport"
)

// app owns the session and everything wired to it.
type app struct {
	cfg      *Config
	logger   *slog.Logger
	session  *driver.Session
	bus      *entity.EventBus
	entities *entity.Registry
	db       *store.BoltStore
	persist  *persister
	toy      store.Toy
}

func newApp(cfg *Config, logger *slog.Logger) (*app, error) {
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	link := newLink(cfg, logger)
	session := driver.NewSession(link, cfg.sessionConfig(), driver.NewRegistry(logger), logger)
	bus := entity.NewEventBus(logger)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		session:  session,
		bus:      bus,
		entities: entity.NewRegistry(),
		db:       db,
	}
	roles, err := a.buildEntities()
	if err != nil {
		db.Close()
		return nil, err
	}
	a.restore()
	a.persist = newPersister(db, roles, cfg.linkAddress(), logger)
	return a, nil
}

func newLink(cfg *Config, logger *slog.Logger) driver.Link {
	if cfg.Serial.Port != "" {
		logger.Info("using UART bridge link", "port", cfg.Serial.Port, "baud", cfg.Serial.Baud)
		return transport.NewSerial(cfg.Serial.Port, cfg.Serial.Baud, logger)
	}
	logger.Info("using BLE link", "address", cfg.BLE.Address, "adapter", cfg.BLE.Adapter)
	return transport.NewBLE(cfg.BLE.Address, cfg.BLE.Adapter, logger)
}

// buildEntities creates the configured entities and binds each one to its
// telemetry channel. It returns the ids of the entities whose state is
// mirrored into the toy record.
func (a *app) buildEntities() (toyRoles, error) {
	var roles toyRoles
	bus, s := a.bus, a.session

	add := func(e entity.Entity) error {
		if err := a.entities.Add(e); err != nil {
			return fmt.Errorf("entity %q: %w", e.Name(), err)
		}
		return nil
	}

	sensors := []struct {
		cfg  *sensorConfig
		ch   driver.Channel
		base entity.SensorConfig
	}{
		{a.cfg.Sensors.Battery, driver.ChannelBattery, entity.SensorConfig{Unit: "%", DeviceClass: "battery", StateClass: "measurement"}},
		{a.cfg.Sensors.CollisionSpeed, driver.ChannelCollisionSpeed, entity.SensorConfig{StateClass: "measurement", Accuracy: 1}},
		{a.cfg.Sensors.CollisionMagnitude, driver.ChannelCollisionMagnitude, entity.SensorConfig{StateClass: "measurement", Accuracy: 1}},
	}
	for _, sc := range sensors {
		if sc.cfg == nil {
			continue
		}
		c := sc.base
		c.Name = sc.cfg.Name
		c.Accuracy = sc.cfg.accuracy(c.Accuracy)
		sensor := entity.NewSensor(c, bus)
		if err := add(sensor); err != nil {
			return roles, err
		}
		s.RegisterObserver(sc.ch, sensor.Observer())
		if sc.ch == driver.ChannelBattery {
			roles.battery = sensor.ID()
		}
	}

	if c := a.cfg.BinarySensor.Collision; c != nil {
		bs := entity.NewBinarySensor(c.Name, "moving", bus)
		if err := add(bs); err != nil {
			return roles, err
		}
		s.RegisterObserver(driver.ChannelCollision, bs.Observer())
	}

	var statusObs driver.Observer
	if c := a.cfg.TextSensors.Status; c != nil {
		ts := entity.NewTextSensor(c.Name, bus)
		if err := add(ts); err != nil {
			return roles, err
		}
		statusObs = ts.Observer()
	}
	s.RegisterObserver(driver.ChannelStatus, entity.ConnectionObserver(bus, statusObs))

	if c := a.cfg.TextSensors.Version; c != nil {
		ts := entity.NewTextSensor(c.Name, bus)
		if err := add(ts); err != nil {
			return roles, err
		}
		s.RegisterObserver(driver.ChannelVersion, ts.Observer())
		roles.firmware = ts.ID()
	}
	if c := a.cfg.TextSensors.Charging; c != nil {
		ts := entity.NewTextSensor(c.Name, bus)
		if err := add(ts); err != nil {
			return roles, err
		}
		s.RegisterObserver(driver.ChannelCharging, ts.Observer())
		roles.charging = ts.ID()
	}

	for _, lc := range a.cfg.Lights {
		mode, err := driver.ParseLightMode(lc.Type)
		if err != nil {
			return roles, err
		}
		light := entity.NewLight(entity.LightConfig{
			Name:              lc.Name,
			Mode:              mode,
			DefaultTransition: lc.DefaultTransition,
		}, s, bus)
		if err := add(light); err != nil {
			return roles, err
		}
	}

	for _, bc := range a.cfg.Buttons {
		typ, err := entity.ParseButtonType(bc.Type)
		if err != nil {
			return roles, err
		}
		if err := add(entity.NewButton(bc.Name, typ, s, bus)); err != nil {
			return roles, err
		}
	}
	return roles, nil
}

// restore seeds lights from the store so the first connect resends them.
func (a *app) restore() {
	for _, e := range a.entities.All() {
		light, ok := e.(*entity.Light)
		if !ok {
			continue
		}
		rec, err := a.db.GetLight(light.ID())
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			a.logger.Warn("restore light", "id", light.ID(), "err", err)
			continue
		}
		light.Restore(entity.LightStatus{
			On:         rec.On,
			Brightness: rec.Brightness,
			Color:      entity.Color{R: rec.Color[0], G: rec.Color[1], B: rec.Color[2]},
		})
		a.session.RestoreLight(driver.LightState{Mode: light.Mode(), Value: light.DeviceValue()})
		a.logger.Info("restored light", "id", light.ID(), "on", rec.On, "brightness", rec.Brightness)
	}

	toy, err := a.db.GetToy()
	switch {
	case err == nil:
		a.toy = *toy
		a.logger.Info("known toy", "address", toy.Address, "firmware", toy.Firmware, "connects", toy.Connects)
	case !errors.Is(err, store.ErrNotFound):
		a.logger.Warn("load toy record", "err", err)
	}
}

func (a *app) start(ctx context.Context) {
	a.persist.Start(a.bus)
	a.session.Start(ctx)
}

// close stops the session first so its final events still reach the store.
func (a *app) close() {
	a.session.Close()
	if a.persist != nil {
		a.persist.Stop()
	}
	if err := a.db.Close(); err != nil {
		a.logger.Error("close store", "err", err)
	}
}
