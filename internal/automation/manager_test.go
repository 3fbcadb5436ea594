//go:build !no_automation

package automation

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "scripts")
	m, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestManagerListEmpty(t *testing.T) {
	m := newTestManager(t)
	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 0 {
		t.Errorf("list count = %d, want 0", len(scripts))
	}
}

func TestManagerSaveAndGet(t *testing.T) {
	m := newTestManager(t)

	saved, err := m.Save(&Script{
		Meta:    ScriptMeta{Name: "Red Alert", Description: "flash on bump", Enabled: true},
		LuaCode: `bb8.set_color(255, 0, 0)`,
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved.ID != "red_alert" {
		t.Errorf("id = %q, want red_alert", saved.ID)
	}

	got, err := m.Get(saved.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Meta != saved.Meta {
		t.Errorf("meta = %+v, want %+v", got.Meta, saved.Meta)
	}
	if got.LuaCode != "bb8.set_color(255, 0, 0)\n" {
		t.Errorf("lua_code = %q", got.LuaCode)
	}
}

func TestManagerSaveExistingID(t *testing.T) {
	m := newTestManager(t)

	s, err := m.Save(&Script{ID: "mine", Meta: ScriptMeta{Name: "Mine"}, LuaCode: `bb8.log("v1")`})
	if err != nil {
		t.Fatal(err)
	}
	s.LuaCode = `bb8.log("v2")`
	if _, err := m.Save(s); err != nil {
		t.Fatal(err)
	}
	got, err := m.Get("mine")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got.LuaCode, "v2") {
		t.Errorf("lua_code after update = %q", got.LuaCode)
	}

	if _, err := m.Save(&Script{ID: "../escape"}); err == nil {
		t.Error("expected error for unsafe id")
	}
}

func TestManagerListSorted(t *testing.T) {
	m := newTestManager(t)
	for _, name := range []string{"Gamma", "Alpha", "Beta"} {
		if _, err := m.Save(&Script{Meta: ScriptMeta{Name: name}}); err != nil {
			t.Fatal(err)
		}
	}
	// Non-lua files are ignored.
	os.WriteFile(filepath.Join(m.dir, "notes.txt"), []byte("x"), 0o644)

	scripts, err := m.List()
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, s := range scripts {
		ids = append(ids, s.ID)
	}
	if strings.Join(ids, ",") != "alpha,beta,gamma" {
		t.Errorf("ids = %v", ids)
	}
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t)
	saved, err := m.Save(&Script{Meta: ScriptMeta{Name: "Bye"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Delete(saved.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(saved.ID); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("get after delete: %v", err)
	}
	if err := m.Delete(saved.ID); !errors.Is(err, ErrScriptNotFound) {
		t.Errorf("second delete: %v", err)
	}
}

func TestManagerUniqueID(t *testing.T) {
	m := newTestManager(t)
	s1, _ := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}})
	s2, _ := m.Save(&Script{Meta: ScriptMeta{Name: "Dup"}})
	if s1.ID == s2.ID {
		t.Errorf("expected unique IDs, got %q for both", s1.ID)
	}
	if s2.ID != "dup_1" {
		t.Errorf("second id = %q, want dup_1", s2.ID)
	}
}

func TestParseScriptWithoutHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bump.lua")
	code := "bb8.on(\"state_changed\", \"collision\", function(ev) end)\n"
	if err := os.WriteFile(path, []byte(code), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := parseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.ID != "bump" || s.Meta.Name != "bump" || !s.Meta.Enabled {
		t.Errorf("defaults: %+v", s)
	}
	if s.LuaCode != code {
		t.Errorf("lua_code = %q", s.LuaCode)
	}
}

func TestParseScriptHeader(t *testing.T) {
	dir := t.TempDir()
	content := `-- {"name":"Night Light","description":"dim at night","enabled":false}

bb8.set_taillight(32)
`
	path := filepath.Join(dir, "night.lua")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := parseFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.Meta.Name != "Night Light" || s.Meta.Enabled {
		t.Errorf("meta = %+v", s.Meta)
	}
	if s.LuaCode != "bb8.set_taillight(32)\n" {
		t.Errorf("lua_code = %q", s.LuaCode)
	}
}

func TestSlugify(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"Red Alert", "red_alert"},
		{"hello world!", "hello_world"},
		{"", ""},
		{"  spaces  ", "spaces"},
		{"UPPER", "upper"},
	}
	for _, tt := range tests {
		if got := slugify(tt.input); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
