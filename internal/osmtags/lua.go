package osmtags

import (
	"fmt"

	"github.com/osm-transform/osm-transform/internal/logger"
	"github.com/paulmach/osm"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// luaHook wraps a single gopher-lua state exposing the classify_way
// extension point. Unlike the teacher's flex runtime, there is no
// define_table/row-emission API here: this system has nothing to write
// rows to, so only the classification predicate survives the transplant.
type luaHook struct {
	state  *lua.LState
	fn     *lua.LFunction
	warned bool
}

func newLuaHook(path string) (*luaHook, error) {
	state := lua.NewState()
	if err := state.DoFile(path); err != nil {
		state.Close()
		return nil, fmt.Errorf("load tag rules lua script %s: %w", path, err)
	}

	tbl, ok := state.GetGlobal("osmtransform").(*lua.LTable)
	if !ok {
		state.Close()
		return nil, fmt.Errorf("tag rules lua script %s: missing osmtransform table", path)
	}
	fn, ok := tbl.RawGetString("classify_way").(*lua.LFunction)
	if !ok {
		state.Close()
		return nil, fmt.Errorf("tag rules lua script %s: osmtransform.classify_way is not a function", path)
	}

	return &luaHook{state: state, fn: fn}, nil
}

func (h *luaHook) close() {
	h.state.Close()
}

// classifyWay calls osmtransform.classify_way(tags) with tags passed as a
// plain Lua table, and maps its string return value to a verdict. Any Lua
// runtime error degrades to verdictFallthrough and is logged only once, to
// avoid flooding logs on a planet-sized way set.
func (h *luaHook) classifyWay(tags osm.Tags) wayVerdict {
	tbl := h.state.NewTable()
	for _, tag := range tags {
		tbl.RawSetString(tag.Key, lua.LString(tag.Value))
	}

	err := h.state.CallByParam(lua.P{
		Fn:      h.fn,
		NRet:    1,
		Protect: true,
	}, tbl)
	if err != nil {
		if !h.warned {
			h.warned = true
			logger.Get().Warn("tag rules lua classify_way error, falling back to built-in rule", zap.Error(err))
		}
		return verdictFallthrough
	}
	defer h.state.Pop(1)

	ret := h.state.Get(-1)
	switch v := ret.(type) {
	case lua.LString:
		switch string(v) {
		case "valid":
			return verdictValid
		case "invalid":
			return verdictInvalid
		}
	}
	return verdictFallthrough
}
