package main

import (
	"log/slog"
	"sync"
	"time"

	"bb8-bridge/internal/driver"
	"bb8-bridge/internal/entity"
	"bb8-bridge/internal/store"
)

// toyRoles names the entities whose state is copied into the toy record.
type toyRoles struct {
	battery  string
	firmware string
	charging string
}

// persister writes light state and toy facts to the store. Bus events are
// emitted on the session goroutine, so they are queued and written from a
// goroutine of its own.
type persister struct {
	db      store.Store
	roles   toyRoles
	address string
	logger  *slog.Logger

	events chan entity.Event
	unsub  func()
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newPersister(db store.Store, roles toyRoles, address string, logger *slog.Logger) *persister {
	return &persister{
		db:      db,
		roles:   roles,
		address: address,
		logger:  logger.With("component", "persist"),
		events:  make(chan entity.Event, 64),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start subscribes to bus and begins writing.
func (p *persister) Start(bus *entity.EventBus) {
	p.unsub = bus.OnAll(func(ev entity.Event) {
		select {
		case p.events <- ev:
		default:
			p.logger.Warn("persist queue full, dropping event", "type", ev.Type)
		}
	})
	go p.run()
}

// Stop unsubscribes, writes what is already queued and waits for the writer.
func (p *persister) Stop() {
	if p.unsub == nil {
		return
	}
	p.once.Do(func() {
		p.unsub()
		close(p.stop)
		<-p.done
	})
}

func (p *persister) run() {
	defer close(p.done)
	for {
		select {
		case ev := <-p.events:
			p.handle(ev)
		case <-p.stop:
			for {
				select {
				case ev := <-p.events:
					p.handle(ev)
				default:
					return
				}
			}
		}
	}
}

func (p *persister) handle(ev entity.Event) {
	switch data := ev.Data.(type) {
	case entity.ConnectionChange:
		if data.State != driver.Connected.String() {
			return
		}
		p.updateToy(func(t *store.Toy) {
			if p.address != "" {
				t.Address = p.address
			}
			t.LastConnected = time.Now()
			t.Connects++
		})
	case entity.StateChange:
		p.handleState(data)
	}
}

func (p *persister) handleState(sc entity.StateChange) {
	if st, ok := sc.State.(entity.LightStatus); ok {
		err := p.db.SaveLight(&store.LightRecord{
			ID:         sc.ID,
			Mode:       st.Mode,
			On:         st.On,
			Brightness: st.Brightness,
			Color:      [3]float64{st.Color.R, st.Color.G, st.Color.B},
			Updated:    time.Now(),
		})
		if err != nil {
			p.logger.Error("save light", "id", sc.ID, "err", err)
		}
		return
	}

	switch sc.ID {
	case "":
	case p.roles.battery:
		if v, ok := sc.State.(float64); ok {
			p.updateToy(func(t *store.Toy) { t.Battery, t.HasBattery = v, true })
		}
	case p.roles.firmware:
		if v, ok := sc.State.(string); ok {
			p.updateToy(func(t *store.Toy) { t.Firmware = v })
		}
	case p.roles.charging:
		if v, ok := sc.State.(string); ok {
			p.updateToy(func(t *store.Toy) { t.Charging = v })
		}
	}
}

func (p *persister) updateToy(fn func(*store.Toy)) {
	err := p.db.UpdateToy(func(t *store.Toy) error {
		fn(t)
		return nil
	})
	if err != nil {
		p.logger.Error("update toy record", "err", err)
	}
}
