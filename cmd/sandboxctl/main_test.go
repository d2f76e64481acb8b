package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/wasm-sandbox/config"
	"github.com/wippyai/wasm-sandbox/internal/elftest"
	"github.com/wippyai/wasm-sandbox/internal/wasmtest"
	"github.com/wippyai/wasm-sandbox/module/dl"
	"github.com/wippyai/wasm-sandbox/trap"
)

func writeWasm(t *testing.T) string {
	t.Helper()
	b := wasmtest.New()
	void := b.Type(nil, nil)
	fn := b.Func(void)
	b.Memory(1, 2).
		Global(wasmtest.I32, false, wasmtest.I32Const(7)).
		ExportFunc("run", fn).
		ExportGlobal("answer", 0).
		Data(wasmtest.I32Const(0), []byte("hi"))

	path := filepath.Join(t.TempDir(), "guest.wasm")
	if err := os.WriteFile(path, b.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeSharedObject(t *testing.T) string {
	t.Helper()
	d := &elftest.DataBuilder{Base: 0x4000}
	sites := d.U32(0x8, uint32(trap.Unreachable))
	d.Align(8)
	rec := d.U64(0x1000, 0x40, sites, 1)
	n := d.U64(1)

	f := &elftest.File{
		Text:     make([]byte, 0x100),
		TextAddr: 0x1000,
		Data:     d.Contents(),
		DataAddr: 0x4000,
		Symbols: []elftest.Symbol{
			{Name: dl.FuncPrefix + "run", Section: elftest.Text, Value: 0x1000, Size: 0x40, Func: true},
			{Name: dl.SymTrapManifest, Section: elftest.Data, Value: rec},
			{Name: dl.SymTrapManifestN, Section: elftest.Data, Value: n},
		},
	}
	return f.WriteFile(t, "guest.so")
}

func runCmd(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestInspect_Text(t *testing.T) {
	path := writeWasm(t)
	code, out, errOut := runCmd(t, "inspect", path)
	if code != exitOK {
		t.Fatalf("exit code = %d, want %d; stderr: %s", code, exitOK, errOut)
	}

	for _, want := range []string{
		"Module: " + path + " (wasm)",
		"Heap: reserved 4294967296, guard 4294967296, initial 65536, max 131072",
		"0: i32 = 7 (exported as answer)",
		"Sparse pages: 1 (1 populated)",
		"Trap manifest: 0 functions, 0 sites",
		"  run\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestInspect_Formats(t *testing.T) {
	path := writeWasm(t)

	tests := []struct {
		format string
		decode func([]byte, any) error
	}{
		{"yaml", yaml.Unmarshal},
		{"json", json.Unmarshal},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			code, out, errOut := runCmd(t, "inspect", "-format", tt.format, path)
			if code != exitOK {
				t.Fatalf("exit code = %d, want %d; stderr: %s", code, exitOK, errOut)
			}

			var s summary
			if err := tt.decode([]byte(out), &s); err != nil {
				t.Fatalf("decode %s: %v\n%s", tt.format, err, out)
			}
			if s.Format != "wasm" || s.File != path {
				t.Errorf("summary = %s (%s), want %s (wasm)", s.File, s.Format, path)
			}
			if s.Heap == nil || s.Heap.InitialSize != 65536 || s.Heap.MaxSize == nil || *s.Heap.MaxSize != 131072 {
				t.Errorf("summary.Heap = %+v", s.Heap)
			}
			if len(s.Globals) != 1 || s.Globals[0].Kind != "i32" || s.Globals[0].Value != "7" {
				t.Errorf("summary.Globals = %+v", s.Globals)
			}
			if len(s.Exports) != 1 || s.Exports[0] != "run" {
				t.Errorf("summary.Exports = %v, want [run]", s.Exports)
			}
		})
	}

	if code, _, _ := runCmd(t, "inspect", "-format", "xml", path); code != exitError {
		t.Errorf("inspect -format xml exit code = %d, want %d", code, exitError)
	}
}

func TestInspect_SharedObject(t *testing.T) {
	path := writeSharedObject(t)
	code, out, errOut := runCmd(t, "inspect", "-base", "0x10000", path)
	if code != exitOK {
		t.Fatalf("exit code = %d, want %d; stderr: %s", code, exitOK, errOut)
	}
	for _, want := range []string{
		"(shared object)",
		"Heap: none",
		"Trap manifest: 1 functions, 1 sites",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestValidate(t *testing.T) {
	path := writeWasm(t)

	code, out, errOut := runCmd(t, "validate", path)
	if code != exitOK || !strings.Contains(out, "ok") {
		t.Errorf("validate = (%d, %q), want ok; stderr: %s", code, out, errOut)
	}

	cfgPath := filepath.Join(t.TempDir(), "sandbox.yaml")
	if err := os.WriteFile(cfgPath, []byte("limits:\n  heap_memory_size: 4096\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	code, out, _ = runCmd(t, "-config", cfgPath, "validate", path)
	if code != exitRejected {
		t.Errorf("validate with small heap exit code = %d, want %d", code, exitRejected)
	}
	if !strings.Contains(out, "limits_exceeded") || !strings.Contains(out, "heap spec initial size") {
		t.Errorf("validate output = %q, want limits_exceeded for the initial size", out)
	}
}

func TestLookup(t *testing.T) {
	path := writeSharedObject(t)

	code, out, errOut := runCmd(t, "lookup", "-base", "0x10000", path, "0x11008", "0x11009", "0x20")
	if code != exitOK {
		t.Fatalf("exit code = %d, want %d; stderr: %s", code, exitOK, errOut)
	}

	want := []string{
		"trap: unreachable at 0x11008 in run (" + path + ")",
		"fault outside module traps at 0x11009 in run (" + path + ")",
		"fault outside module traps at 0x20",
	}
	got := strings.Split(strings.TrimSpace(out), "\n")
	if len(got) != len(want) {
		t.Fatalf("lookup printed %d lines, want %d:\n%s", len(got), len(want), out)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRun_Errors(t *testing.T) {
	dir := t.TempDir()
	text := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(text, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"no command", nil, exitUsage},
		{"unknown command", []string{"frobnicate", text}, exitUsage},
		{"bad flag", []string{"-nope"}, exitUsage},
		{"inspect without file", []string{"inspect"}, exitUsage},
		{"lookup without address", []string{"lookup", text}, exitUsage},
		{"lookup bad address", []string{"lookup", text, "xyz"}, exitUsage},
		{"missing file", []string{"inspect", filepath.Join(dir, "missing.so")}, exitError},
		{"unknown format", []string{"validate", text}, exitError},
		{"bad log level", []string{"-log-level", "loud", "validate", text}, exitError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _, _ := runCmd(t, tt.args...); code != tt.want {
				t.Errorf("exit code = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestVersion(t *testing.T) {
	code, out, _ := runCmd(t, "-version")
	if code != exitOK || !strings.HasPrefix(out, "sandboxctl ") {
		t.Errorf("-version = (%d, %q)", code, out)
	}
}

func TestInteractiveModel(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load error: %v", err)
	}
	m := newInteractiveModel(writeSharedObject(t), cfg, 0x10000)
	if got := m.View(); got != "Loading module..." {
		t.Errorf("View() before load = %q", got)
	}

	m.Update(m.loadModule())
	if m.err != nil {
		t.Fatalf("load error: %v", m.err)
	}
	defer m.mod.Close()

	if m.verdict != nil {
		t.Errorf("verdict = %v, want nil", m.verdict)
	}

	for _, in := range []string{"0x11008", "xyz", "0x42"} {
		m.input.SetValue(in)
		m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	}

	if len(m.history) != 3 {
		t.Fatalf("history has %d entries, want 3", len(m.history))
	}
	if r := m.history[0].report; r == nil || !r.Fatal() {
		t.Errorf("history[0] = %+v, want an unclassified fault", m.history[0])
	}
	if m.history[1].err == nil {
		t.Errorf("history[1] error = nil, want a parse error")
	}
	if r := m.history[2].report; r == nil || r.Fatal() || r.Code != trap.Unreachable {
		t.Errorf("history[2] = %+v, want unreachable", m.history[2])
	}
	if m.input.Value() != "" {
		t.Errorf("input = %q, want cleared", m.input.Value())
	}

	view := m.View()
	for _, want := range []string{"fits the limits", "trap: unreachable at 0x11008", "bad address"} {
		if !strings.Contains(view, want) {
			t.Errorf("View() missing %q", want)
		}
	}

	for i := 0; i < maxHistory+5; i++ {
		m.lookup("0x1")
	}
	if len(m.history) != maxHistory {
		t.Errorf("history has %d entries, want %d", len(m.history), maxHistory)
	}
}
