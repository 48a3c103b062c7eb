// Package sandbox evaluates a Template's string-form programmatic step
// (agent.SourceStepHandler) using github.com/yuin/gopher-lua, a pure-Go Lua
// VM. Only the yield protocol (tool/step/step_all/step_text/generate_n) and
// a logger global are exposed to the script: no filesystem, network, or
// clock access, since a source step may come from a template authored by
// someone other than the run's operator and gets no ambient capability
// beyond the documented yield surface.
package sandbox

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/levelcode/agentkit/agent"
)

// Run evaluates src as a Lua program against y, the same Yielder contract a
// NativeStepHandler uses. The script drives the generator protocol by
// calling the global functions tool, step, step_all, step_text, and
// generate_n; log(...) appends to logLines.
func Run(ctx context.Context, src string, y agent.Yielder) (logLines []string, err error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	for _, pair := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{Fn: L.NewFunction(pair.fn), NRet: 0, Protect: true}, lua.LString(pair.name)); err != nil {
			return nil, fmt.Errorf("sandbox: open %s: %w", pair.name, err)
		}
	}
	// The base library's print and its chunk loaders are removed; the
	// io/os/package/debug libraries stay closed because of SkipOpenLibs.
	for _, name := range []string{"print", "dofile", "loadfile", "loadstring", "load"} {
		L.SetGlobal(name, lua.LNil)
	}

	logLines = nil
	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		logLines = append(logLines, L.ToString(1))
		return 0
	}))

	L.SetGlobal("tool", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		input := toGoMap(L.OptTable(2, L.NewTable()))
		includeToolCall := L.OptBool(3, false)
		result, err := y.Tool(name, input, includeToolCall)
		if err != nil {
			L.RaiseError("tool %q failed: %v", name, err)
			return 0
		}
		L.Push(toLuaResult(L, result))
		return 1
	}))

	L.SetGlobal("step", L.NewFunction(func(L *lua.LState) int {
		endedTurn, err := y.Step()
		if err != nil {
			L.RaiseError("step failed: %v", err)
			return 0
		}
		L.Push(lua.LBool(endedTurn))
		return 1
	}))

	L.SetGlobal("step_all", L.NewFunction(func(L *lua.LState) int {
		if err := y.StepAll(); err != nil {
			L.RaiseError("step_all failed: %v", err)
		}
		return 0
	}))

	L.SetGlobal("step_text", L.NewFunction(func(L *lua.LState) int {
		text := L.CheckString(1)
		if err := y.StepText(text); err != nil {
			L.RaiseError("step_text failed: %v", err)
		}
		return 0
	}))

	L.SetGlobal("generate_n", L.NewFunction(func(L *lua.LState) int {
		n := L.CheckInt(1)
		texts, err := y.GenerateN(n)
		if err != nil {
			L.RaiseError("generate_n failed: %v", err)
			return 0
		}
		out := L.NewTable()
		for i, t := range texts {
			out.RawSetInt(i+1, lua.LString(t))
		}
		L.Push(out)
		return 1
	}))

	L.SetContext(ctx)

	if err := L.DoString(src); err != nil {
		return logLines, fmt.Errorf("sandbox: script error: %w", err)
	}
	return logLines, nil
}

func toGoMap(t *lua.LTable) map[string]any {
	out := make(map[string]any)
	t.ForEach(func(k, v lua.LValue) {
		out[k.String()] = fromLua(v)
	})
	return out
}

func fromLua(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LString:
		return string(val)
	case lua.LNumber:
		return float64(val)
	case lua.LBool:
		return bool(val)
	case *lua.LTable:
		return toGoMap(val)
	default:
		return nil
	}
}

func toLuaResult(L *lua.LState, result agent.ToolResultContent) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("tool_call_id", lua.LString(result.ToolCallID))
	t.RawSetString("is_error", lua.LBool(result.IsError))
	parts := L.NewTable()
	for i, p := range result.Parts {
		pt := L.NewTable()
		if p.IsJSON {
			pt.RawSetString("json", toLuaValue(L, p.JSON))
		} else {
			pt.RawSetString("text", lua.LString(p.Text))
		}
		parts.RawSetInt(i+1, pt)
	}
	t.RawSetString("parts", parts)
	return t
}

func toLuaValue(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case string:
		return lua.LString(val)
	case float64:
		return lua.LNumber(val)
	case bool:
		return lua.LBool(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, toLuaValue(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, toLuaValue(L, vv))
		}
		return t
	default:
		return lua.LNil
	}
}

// Handler adapts a SourceStepHandler to run inside the sandbox as a
// progstep generator function.
func Handler(src string) func(context.Context, agent.Yielder) error {
	return func(ctx context.Context, y agent.Yielder) error {
		_, err := Run(ctx, src, y)
		return err
	}
}
