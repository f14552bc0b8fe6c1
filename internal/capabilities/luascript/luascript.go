// Package luascript defines capabilities in Lua. A script declares a
// global execute(params) function returning either a string or a table;
// a table with an error field is reported as an execution error.
package luascript

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/opentalon/relay/internal/capability"
)

type Config struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	Script      string                 `yaml:"script"`
	Keywords    []string               `yaml:"keywords"`
	Parameters  []capability.Parameter `yaml:"parameters"`
}

type Capability struct {
	desc   capability.Descriptor
	path   string
	source string
}

// Load reads the script at cfg.Script and checks that it defines execute.
func Load(cfg Config) (*Capability, error) {
	desc := capability.Descriptor{
		Name:            cfg.Name,
		Description:     cfg.Description,
		Parameters:      cfg.Parameters,
		TriggerKeywords: cfg.Keywords,
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	absPath, err := filepath.Abs(cfg.Script)
	if err != nil {
		return nil, fmt.Errorf("script path: %w", err)
	}
	src, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read script %s: %w", cfg.Script, err)
	}
	c := &Capability{desc: desc, path: absPath, source: string(src)}

	L, err := c.state(context.Background())
	if err != nil {
		return nil, err
	}
	L.Close()
	return c, nil
}

func (c *Capability) Descriptor() capability.Descriptor { return c.desc }

func (c *Capability) Execute(ctx context.Context, params capability.Params) capability.Result {
	L, err := c.state(ctx)
	if err != nil {
		return capability.Fail(capability.ExecutionError, "%v", err)
	}
	defer L.Close()

	L.Push(L.GetGlobal("execute"))
	L.Push(toTable(L, params))
	if err := L.PCall(1, 1, nil); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return capability.Fail(capability.Timeout, "script %s: %v", c.desc.Name, ctx.Err())
		}
		return capability.Fail(capability.ExecutionError, "execute(): %v", err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	switch ret.Type() {
	case lua.LTString:
		s := ret.String()
		return capability.Success(map[string]any{"result": s}, s)
	case lua.LTTable:
		tbl := ret.(*lua.LTable)
		if e := tbl.RawGetString("error"); e != lua.LNil {
			return capability.Fail(capability.ExecutionError, "%s", e.String())
		}
		payload := fromTable(tbl, 0)
		summary, _ := payload["summary"].(string)
		delete(payload, "summary")
		return capability.Success(payload, summary)
	default:
		return capability.Fail(capability.ExecutionError,
			"execute() must return string or table, got %s", ret.Type().String())
	}
}

// state returns a sandboxed interpreter with the script loaded. Only the
// base, table, string and math libraries are opened, plus a minimal os.
func (c *Capability) state(ctx context.Context) (*lua.LState, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "module"} {
		L.SetGlobal(name, lua.LNil)
	}
	L.SetGlobal("os", osModule(L))
	L.SetContext(ctx)

	if err := L.DoString(c.source); err != nil {
		L.Close()
		return nil, fmt.Errorf("load script %s: %w", c.path, err)
	}
	fn := L.GetGlobal("execute")
	if fn.Type() != lua.LTFunction {
		L.Close()
		return nil, fmt.Errorf("script %s must define global function execute(params), got %s", c.path, fn.Type().String())
	}
	return L, nil
}

// osModule exposes getenv and time only.
func osModule(L *lua.LState) *lua.LTable {
	mod := L.NewTable()
	L.SetField(mod, "getenv", L.NewFunction(func(ls *lua.LState) int {
		ls.Push(lua.LString(os.Getenv(ls.CheckString(1))))
		return 1
	}))
	L.SetField(mod, "time", L.NewFunction(func(ls *lua.LState) int {
		ls.Push(lua.LNumber(time.Now().Unix()))
		return 1
	}))
	return mod
}

func toTable(L *lua.LState, params capability.Params) *lua.LTable {
	t := L.NewTable()
	for k, v := range params {
		switch tv := v.(type) {
		case string:
			t.RawSetString(k, lua.LString(tv))
		case float64:
			t.RawSetString(k, lua.LNumber(tv))
		case int64:
			t.RawSetString(k, lua.LNumber(tv))
		case bool:
			t.RawSetString(k, lua.LBool(tv))
		}
	}
	return t
}

const maxDepth = 8

func fromTable(t *lua.LTable, depth int) map[string]any {
	out := make(map[string]any)
	t.ForEach(func(k, v lua.LValue) {
		if depth >= maxDepth {
			return
		}
		out[k.String()] = fromValue(v, depth)
	})
	return out
}

func fromValue(v lua.LValue, depth int) any {
	switch tv := v.(type) {
	case lua.LString:
		return string(tv)
	case lua.LBool:
		return bool(tv)
	case lua.LNumber:
		f := float64(tv)
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case *lua.LTable:
		return fromTable(tv, depth+1)
	default:
		return v.String()
	}
}
