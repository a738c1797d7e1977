package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/hupe1980/ingenious/core"
)

// luaTimeout bounds a single route() evaluation.
const luaTimeout = 250 * time.Millisecond

// luaRouter evaluates a user supplied route(state) function in a sandboxed
// Lua state. The script is compiled once; each decision runs in a fresh state
// since an LState is not safe for concurrent use.
type luaRouter struct {
	name   string
	proto  *lua.FunctionProto
	agents []string
}

func newLuaRouter(name, script string, agents []string) (*luaRouter, error) {
	chunk, err := parse.Parse(strings.NewReader(script), name)
	if err != nil {
		return nil, invalid("workflow %q: lua script: %v", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, invalid("workflow %q: lua script: %v", name, err)
	}
	r := &luaRouter{name: name, proto: proto, agents: agents}

	// Load once up front so a script without route() fails at registration.
	L := r.newState()
	defer L.Close()
	if err := r.load(L); err != nil {
		return nil, invalid("workflow %q: %v", name, err)
	}
	return r, nil
}

// newState creates a Lua state with only safe libraries loaded.
func (r *luaRouter) newState() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})

	lua.OpenBase(L)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil)
	L.SetGlobal("require", lua.LNil)
	L.SetGlobal("module", lua.LNil)

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
	return L
}

func (r *luaRouter) load(L *lua.LState) error {
	L.Push(L.NewFunctionFromProto(r.proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return fmt.Errorf("lua script: %w", err)
	}
	if _, ok := L.GetGlobal("route").(*lua.LFunction); !ok {
		return fmt.Errorf("lua script must define a 'route' function")
	}
	return nil
}

// Next calls route(state). The function returns an agent name, "user" or
// "end", optionally followed by a resume hint.
func (r *luaRouter) Next(ctx context.Context, s State) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, luaTimeout)
	defer cancel()

	L := r.newState()
	defer L.Close()
	L.SetContext(ctx)
	if err := r.load(L); err != nil {
		return Decision{}, r.routeErr(ctx, err)
	}

	L.Push(L.GetGlobal("route"))
	L.Push(r.stateTable(L, s))
	if err := L.PCall(1, 2, nil); err != nil {
		return Decision{}, r.routeErr(ctx, fmt.Errorf("route failed: %w", err))
	}
	target, resume := L.Get(-2), L.Get(-1)
	L.Pop(2)

	d := Decision{Target: lua.LVAsString(target), Resume: lua.LVAsString(resume)}
	if d.Target != TargetUser && d.Target != TargetEnd && !contains(r.agents, d.Target) {
		return Decision{}, core.Errorf(core.KindMalformedOutput, "workflow.route", "workflow %q: route returned unknown target %q", r.name, d.Target)
	}
	return d, nil
}

// routeErr classifies a failed route() evaluation: running out of time is
// an upstream failure, anything else a malformed decision.
func (r *luaRouter) routeErr(ctx context.Context, err error) error {
	kind := core.KindMalformedOutput
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = core.KindUpstreamFailure
	}
	return core.NewError(kind, "workflow.route", fmt.Errorf("workflow %q: %w", r.name, err))
}

func (r *luaRouter) stateTable(L *lua.LState, s State) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("last_sender", lua.LString(s.LastSender))
	t.RawSetString("last_text", lua.LString(s.LastText))
	t.RawSetString("last_action", lua.LString(s.LastAction))
	t.RawSetString("step", lua.LNumber(s.Step))
	t.RawSetString("total_steps", lua.LNumber(s.TotalSteps))
	t.RawSetString("resume", lua.LString(s.Resume))

	turns := L.NewTable()
	for name, n := range s.AgentTurns {
		turns.RawSetString(name, lua.LNumber(n))
	}
	t.RawSetString("turns", turns)

	agents := L.NewTable()
	for _, name := range r.agents {
		agents.Append(lua.LString(name))
	}
	t.RawSetString("agents", agents)
	return t
}
