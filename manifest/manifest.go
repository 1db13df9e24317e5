// Package manifest handles rvm.toml and rvm.yaml project configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/chazu/rvm/vm"
)

// FileNames are the manifest names searched for, in order.
var FileNames = []string{"rvm.toml", "rvm.yaml", "rvm.yml"}

// Manifest represents an rvm project configuration.
type Manifest struct {
	Project Project     `toml:"project" yaml:"project"`
	Program Program     `toml:"program" yaml:"program"`
	VM      VMConfig    `toml:"vm" yaml:"vm"`
	Trace   TraceConfig `toml:"trace" yaml:"trace"`

	// Dir is the directory containing the manifest (set at load time).
	Dir string `toml:"-" yaml:"-"`
	// Path is the manifest file itself (set at load time).
	Path string `toml:"-" yaml:"-"`
}

// Project contains project metadata.
type Project struct {
	Name    string `toml:"name" yaml:"name"`
	Version string `toml:"version" yaml:"version"`
}

// Program locates the code to run.
type Program struct {
	Source string `toml:"source" yaml:"source"` // assembler source
	Image  string `toml:"image" yaml:"image"`   // prebuilt image; used when Source is empty
	Entry  string `toml:"entry" yaml:"entry"`   // overrides the program's .entry
}

// VMConfig mirrors vm.Config. Zero values fall back to vm.DefaultConfig.
type VMConfig struct {
	HeapSize     int  `toml:"heap-size" yaml:"heap-size"`
	StackSize    int  `toml:"stack-size" yaml:"stack-size"`
	MaxCallDepth int  `toml:"max-call-depth" yaml:"max-call-depth"`
	Globals      int  `toml:"globals" yaml:"globals"`
	Trace        bool `toml:"trace" yaml:"trace"`
}

// TraceConfig configures the run recorder.
type TraceConfig struct {
	Database           string `toml:"database" yaml:"database"`
	RecordInstructions bool   `toml:"record-instructions" yaml:"record-instructions"`
}

// Load parses the manifest in dir. rvm.toml wins over rvm.yaml.
func Load(dir string) (*Manifest, error) {
	for _, name := range FileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}
	}
	return nil, fmt.Errorf("no %s in %s", strings.Join(FileNames, " or "), dir)
}

// LoadFile parses a manifest file, choosing the format by extension.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var m Manifest
	switch filepath.Ext(path) {
	case ".toml":
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse error in %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse error in %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%s: unknown manifest format", path)
	}

	m.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	m.Dir = filepath.Dir(m.Path)

	if err := m.VMConfig().Validate(); err != nil {
		return nil, fmt.Errorf("%s: [vm]: %w", path, err)
	}
	return &m, nil
}

// FindAndLoad walks up from startDir to find a manifest, then loads and
// returns it. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		for _, name := range FileNames {
			if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
				return Load(dir)
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// VMConfig returns the VM configuration, with defaults for unset fields.
func (m *Manifest) VMConfig() vm.Config {
	cfg := vm.DefaultConfig()
	if m.VM.HeapSize != 0 {
		cfg.HeapSize = m.VM.HeapSize
	}
	if m.VM.StackSize != 0 {
		cfg.StackSize = m.VM.StackSize
	}
	if m.VM.MaxCallDepth != 0 {
		cfg.MaxCallDepth = m.VM.MaxCallDepth
	}
	if m.VM.Globals != 0 {
		cfg.GlobalCount = m.VM.Globals
	}
	cfg.Trace = m.VM.Trace
	return cfg
}

// SourcePath returns the absolute path of the assembler source, or "".
func (m *Manifest) SourcePath() string { return m.resolve(m.Program.Source) }

// ImagePath returns the absolute path of the program image, or "".
func (m *Manifest) ImagePath() string { return m.resolve(m.Program.Image) }

// TraceDatabasePath returns the absolute path of the trace database, or "".
func (m *Manifest) TraceDatabasePath() string { return m.resolve(m.Trace.Database) }

func (m *Manifest) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}
