//go:build !no_automation

package automation

import (
	"time"

	lua "github.com/yuin/gopher-lua"

	"bb8-bridge/internal/driver"
	"bb8-bridge/internal/entity"
	"bb8-bridge/internal/protocol"
)

// registerBB8Module registers the `bb8` global table in a Lua state.
func registerBB8Module(L *lua.LState, vm *scriptVM, e *Engine) {
	fns := map[string]lua.LGFunction{
		"on":            func(L *lua.LState) int { return bb8On(L, vm) },
		"set_color":     func(L *lua.LState) int { return bb8SetColor(L, e) },
		"set_taillight": func(L *lua.LState) int { return bb8SetTaillight(L, e) },
		"center_head":   func(L *lua.LState) int { return bb8Submit(e, protocol.OpCenterHead) },
		"sleep":         func(L *lua.LState) int { return bb8Submit(e, protocol.OpSleep) },
		"connect":       func(L *lua.LState) int { return bb8Submit(e, protocol.OpConnect) },
		"disconnect":    func(L *lua.LState) int { return bb8Submit(e, protocol.OpDisconnect) },
		"state":         func(L *lua.LState) int { return bb8State(L, e) },
		"after":         func(L *lua.LState) int { return bb8After(L, vm, e) },
		"log":           func(L *lua.LState) int { return bb8Log(L, vm, e) },
	}
	L.SetGlobal("bb8", L.SetFuncs(L.NewTable(), fns))
}

const maxHandlersPerScript = 100

// bb8.on(event_type, [entity_id], callback)
func bb8On(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	if L.GetTop() >= 3 {
		h.id = L.CheckString(2)
		h.fn = L.CheckFunction(3)
	} else {
		h.fn = L.CheckFunction(2)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// watch logs the outcome of a command a script fired without waiting.
func (e *Engine) watch(what string, p *driver.Pending) {
	go func() {
		<-p.Done()
		if err := p.Err(); err != nil {
			e.logger.Warn("script command failed", "cmd", what, "err", err)
		}
	}()
}

// light returns the first light entity driving mode.
func (e *Engine) light(mode driver.LightMode) *entity.Light {
	if e.entities == nil {
		return nil
	}
	for _, ent := range e.entities.All() {
		if l, ok := ent.(*entity.Light); ok && l.Mode() == mode {
			return l
		}
	}
	return nil
}

func checkByte(L *lua.LState, n int) uint8 {
	v := L.CheckInt(n)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func optTransition(L *lua.LState, n int) *time.Duration {
	if L.GetTop() < n {
		return nil
	}
	d := time.Duration(L.CheckNumber(n)) * time.Millisecond
	return &d
}

// bb8.set_color(r, g, b, [transition_ms]) with channels 0-255
func bb8SetColor(L *lua.LState, e *Engine) int {
	r, g, b := checkByte(L, 1), checkByte(L, 2), checkByte(L, 3)
	transition := optTransition(L, 4)

	if l := e.light(driver.LightRGB); l != nil {
		on := r > 0 || g > 0 || b > 0
		cmd := entity.LightCommand{State: &on, Transition: transition}
		if on {
			full := 1.0
			cmd.Brightness = &full
			cmd.Color = &entity.Color{R: float64(r) / 255, G: float64(g) / 255, B: float64(b) / 255}
		}
		e.watch("set_color", l.Set(cmd))
		return 0
	}

	var d time.Duration
	if transition != nil {
		d = *transition
	}
	e.watch("set_color", e.ctrl.SetLightState(driver.LightRGB, driver.RGB(r, g, b), d))
	return 0
}

// bb8.set_taillight(level, [transition_ms]) with level 0-255
func bb8SetTaillight(L *lua.LState, e *Engine) int {
	level := checkByte(L, 1)
	transition := optTransition(L, 2)

	if l := e.light(driver.LightTaillight); l != nil {
		on := level > 0
		cmd := entity.LightCommand{State: &on, Transition: transition}
		if on {
			br := float64(level) / 255
			cmd.Brightness = &br
		}
		e.watch("set_taillight", l.Set(cmd))
		return 0
	}

	var d time.Duration
	if transition != nil {
		d = *transition
	}
	e.watch("set_taillight", e.ctrl.SetLightState(driver.LightTaillight, driver.Level(level), d))
	return 0
}

func bb8Submit(e *Engine, op protocol.Opcode) int {
	e.watch(op.String(), e.ctrl.Submit(op, nil))
	return 0
}

// bb8.state(entity_id) returns the entity state or nil.
func bb8State(L *lua.LState, e *Engine) int {
	id := L.CheckString(1)
	if e.entities == nil {
		L.Push(lua.LNil)
		return 1
	}
	ent, ok := e.entities.Get(id)
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, ent.Snapshot().State))
	return 1
}

// bb8.after(seconds, callback)
func bb8After(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()
	return 0
}

// bb8.log(msg)
func bb8Log(L *lua.LState, vm *scriptVM, e *Engine) int {
	msg := L.CheckString(1)
	if vm.logf != nil {
		vm.logf(msg)
	}
	e.logger.Info("script log", "msg", msg)
	return 0
}
