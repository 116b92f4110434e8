package api

import (
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/dshills/procctl/internal/plugin/security"
)

// maxSleep bounds a single util.sleep call.
const maxSleep = time.Minute

// UtilModule implements the ks.util API module: string helpers for
// handling process output and a sleep for polling loops.
type UtilModule struct {
	sleep func(time.Duration)
}

// NewUtilModule creates a new util module.
func NewUtilModule() *UtilModule {
	return &UtilModule{sleep: time.Sleep}
}

// Name returns the module name.
func (m *UtilModule) Name() string {
	return "util"
}

// RequiredCapability returns the capability required for this module.
// Utility functions require no special capability.
func (m *UtilModule) RequiredCapability() security.Capability {
	return ""
}

// Register registers the module into the Lua state.
func (m *UtilModule) Register(L *lua.LState) error {
	mod := L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"split":       m.split,
		"trim":        m.trim,
		"starts_with": m.startsWith,
		"ends_with":   m.endsWith,
		"contains":    m.contains,
		"lines":       m.lines,
		"join":        m.join,
		"sleep":       m.sleepMS,
	})

	L.SetGlobal("_ks_util", mod)
	return nil
}

// split(str, sep) -> {parts}
func (m *UtilModule) split(L *lua.LState) int {
	str := L.CheckString(1)
	sep := L.CheckString(2)

	tbl := L.NewTable()
	for _, part := range strings.Split(str, sep) {
		tbl.Append(lua.LString(part))
	}

	L.Push(tbl)
	return 1
}

// trim(str) -> string
func (m *UtilModule) trim(L *lua.LState) int {
	L.Push(lua.LString(strings.TrimSpace(L.CheckString(1))))
	return 1
}

// starts_with(str, prefix) -> bool
func (m *UtilModule) startsWith(L *lua.LState) int {
	L.Push(lua.LBool(strings.HasPrefix(L.CheckString(1), L.CheckString(2))))
	return 1
}

// ends_with(str, suffix) -> bool
func (m *UtilModule) endsWith(L *lua.LState) int {
	L.Push(lua.LBool(strings.HasSuffix(L.CheckString(1), L.CheckString(2))))
	return 1
}

// contains(str, substr) -> bool
func (m *UtilModule) contains(L *lua.LState) int {
	L.Push(lua.LBool(strings.Contains(L.CheckString(1), L.CheckString(2))))
	return 1
}

// lines(str) -> {lines}
// Splits on \n and \r\n. A trailing newline does not produce an empty
// last line, so process output splits into exactly its lines.
func (m *UtilModule) lines(L *lua.LState) int {
	str := strings.ReplaceAll(L.CheckString(1), "\r\n", "\n")
	str = strings.TrimSuffix(str, "\n")

	tbl := L.NewTable()
	if str != "" {
		for _, line := range strings.Split(str, "\n") {
			tbl.Append(lua.LString(line))
		}
	}

	L.Push(tbl)
	return 1
}

// join(tbl, sep) -> string
// Joins the array part of tbl in order.
func (m *UtilModule) join(L *lua.LState) int {
	tbl := L.CheckTable(1)
	sep := L.OptString(2, "")

	parts := make([]string, 0, tbl.Len())
	for i := 1; i <= tbl.Len(); i++ {
		parts = append(parts, tbl.RawGetInt(i).String())
	}

	L.Push(lua.LString(strings.Join(parts, sep)))
	return 1
}

// sleep(ms)
// Blocks the script for up to a minute.
func (m *UtilModule) sleepMS(L *lua.LState) int {
	ms := L.CheckInt64(1)
	if ms < 0 {
		L.ArgError(1, "duration must not be negative")
	}
	m.sleep(min(time.Duration(ms)*time.Millisecond, maxSleep))
	return 0
}
