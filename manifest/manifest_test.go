package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rvm.toml", `
[project]
name = "test-app"
version = "0.1.0"

[program]
source = "src/main.asm"
entry = "start"

[vm]
heap-size = 4096
stack-size = 1024
max-call-depth = 32
globals = 16
trace = true

[trace]
database = "runs.db"
record-instructions = true
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if m.Project.Name != "test-app" {
		t.Errorf("project name = %q, want test-app", m.Project.Name)
	}
	if m.Project.Version != "0.1.0" {
		t.Errorf("project version = %q, want 0.1.0", m.Project.Version)
	}
	if m.Program.Entry != "start" {
		t.Errorf("program entry = %q, want start", m.Program.Entry)
	}
	if got, want := m.SourcePath(), filepath.Join(m.Dir, "src", "main.asm"); got != want {
		t.Errorf("source path = %q, want %q", got, want)
	}
	if m.ImagePath() != "" {
		t.Errorf("image path = %q, want empty", m.ImagePath())
	}
	if !m.Trace.RecordInstructions {
		t.Error("trace record-instructions = false, want true")
	}
	if got, want := m.TraceDatabasePath(), filepath.Join(m.Dir, "runs.db"); got != want {
		t.Errorf("trace database = %q, want %q", got, want)
	}

	cfg := m.VMConfig()
	if cfg.HeapSize != 4096 || cfg.StackSize != 1024 || cfg.MaxCallDepth != 32 || cfg.GlobalCount != 16 || !cfg.Trace {
		t.Errorf("vm config = %+v", cfg)
	}
}

func TestLoadManifestDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rvm.toml", `
[project]
name = "minimal"
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	cfg := m.VMConfig()
	if cfg.HeapSize != 1<<20 {
		t.Errorf("default heap size = %d, want %d", cfg.HeapSize, 1<<20)
	}
	if cfg.MaxCallDepth != 256 {
		t.Errorf("default max call depth = %d, want 256", cfg.MaxCallDepth)
	}
	if m.SourcePath() != "" {
		t.Errorf("source path = %q, want empty", m.SourcePath())
	}
}

func TestLoadManifestYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rvm.yaml", `
project:
  name: yaml-app
program:
  image: build/app.rvmi
vm:
  heap-size: 8192
`)

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.Project.Name != "yaml-app" {
		t.Errorf("project name = %q, want yaml-app", m.Project.Name)
	}
	if got, want := m.ImagePath(), filepath.Join(m.Dir, "build", "app.rvmi"); got != want {
		t.Errorf("image path = %q, want %q", got, want)
	}
	if m.VMConfig().HeapSize != 8192 {
		t.Errorf("heap size = %d, want 8192", m.VMConfig().HeapSize)
	}
}

func TestLoadManifestPrefersTOML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rvm.toml", "[project]\nname = \"from-toml\"\n")
	writeFile(t, dir, "rvm.yaml", "project:\n  name: from-yaml\n")

	m, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if m.Project.Name != "from-toml" {
		t.Errorf("project name = %q, want from-toml", m.Project.Name)
	}
}

func TestLoadManifestInvalidVM(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rvm.toml", "[vm]\nheap-size = -1\n")

	if _, err := Load(dir); err == nil {
		t.Error("expected error for negative heap size")
	}
}

func TestLoadManifestParseError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rvm.toml", "[project\nname = ")

	if _, err := Load(dir); err == nil {
		t.Error("expected parse error")
	}
}

func TestLoadManifestMissing(t *testing.T) {
	if _, err := Load(t.TempDir()); err == nil {
		t.Error("expected error for missing manifest")
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "rvm.toml", "[project]\nname = \"found\"\n")

	sub := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}

	m, err := FindAndLoad(sub)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if m == nil {
		t.Fatal("FindAndLoad returned nil")
	}
	if m.Project.Name != "found" {
		t.Errorf("project name = %q, want found", m.Project.Name)
	}
}

func TestFindAndLoadNone(t *testing.T) {
	if _, err := FindAndLoad(t.TempDir()); err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
}
