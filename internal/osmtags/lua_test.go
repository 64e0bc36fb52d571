package osmtags

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/osm"
)

func writeLuaScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "classify.lua")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write lua script: %v", err)
	}
	return path
}

func TestLuaHookValidVerdictKeepsWayAboveNodeCountFloor(t *testing.T) {
	path := writeLuaScript(t, `
osmtransform = {}
function osmtransform.classify_way(tags)
  if tags.priority == "always_keep" then
    return "valid"
  end
  return "fallthrough"
end
`)

	r, err := New(Options{LuaScriptPath: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	tags := osm.Tags{{Key: "priority", Value: "always_keep"}}
	if r.IsRemovableWay(2, tags) {
		t.Error("expected a valid verdict from Lua to keep a way with enough node refs")
	}
	// a valid verdict still defers to the node-count floor
	if !r.IsRemovableWay(1, tags) {
		t.Error("expected a valid verdict to still be removable below the node-count floor")
	}
}

func TestLuaHookInvalidVerdictForcesRemoval(t *testing.T) {
	path := writeLuaScript(t, `
osmtransform = {}
function osmtransform.classify_way(tags)
  if tags.highway ~= nil then
    return "invalid"
  end
  return "fallthrough"
end
`)

	r, err := New(Options{LuaScriptPath: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	tags := osm.Tags{{Key: "highway", Value: "residential"}}
	if !r.IsRemovableWay(5, tags) {
		t.Error("expected an invalid verdict from Lua to force removal despite a validating tag")
	}
}

func TestLuaHookFallthroughUsesBuiltinRule(t *testing.T) {
	path := writeLuaScript(t, `
osmtransform = {}
function osmtransform.classify_way(tags)
  return "fallthrough"
end
`)

	r, err := New(Options{LuaScriptPath: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	tags := osm.Tags{{Key: "highway", Value: "residential"}}
	if r.IsRemovableWay(2, tags) {
		t.Error("expected fallthrough to defer to the built-in rule, which keeps a highway way")
	}
}

func TestLuaHookMissingTableFails(t *testing.T) {
	path := writeLuaScript(t, `-- no osmtransform table defined`)
	if _, err := New(Options{LuaScriptPath: path}); err == nil {
		t.Error("expected a script without an osmtransform table to fail loading")
	}
}

func TestLuaHookMissingFunctionFails(t *testing.T) {
	path := writeLuaScript(t, `osmtransform = {}`)
	if _, err := New(Options{LuaScriptPath: path}); err == nil {
		t.Error("expected a script without classify_way to fail loading")
	}
}

func TestLuaHookRuntimeErrorFallsThrough(t *testing.T) {
	path := writeLuaScript(t, `
osmtransform = {}
function osmtransform.classify_way(tags)
  error("boom")
end
`)

	r, err := New(Options{LuaScriptPath: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close()

	tags := osm.Tags{{Key: "highway", Value: "residential"}}
	if r.IsRemovableWay(2, tags) {
		t.Error("expected a Lua runtime error to fall back to the built-in rule, which keeps a highway way")
	}
}
