package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/shinji-kodama/bindci/internal/model"
)

// EnvPrefix is the prefix of every environment variable bindci reads.
const EnvPrefix = "BINDCI_"

const (
	DefaultCompilerRepo   = "https://github.com/chapel-lang/chapel.git"
	DefaultCompilerBranch = "master"
	DefaultCloneDepth     = 1
)

// Settings is the environment-derived configuration of a run.
// Field tags name the variable without the BINDCI_ prefix.
type Settings struct {
	// Set via BINDCI_WORKSPACE; the repository root. Defaults to the
	// current directory.
	Workspace string `env:"WORKSPACE"`
	// Set via BINDCI_COMPILER_REPO
	CompilerRepo string `env:"COMPILER_REPO"`
	// Set via BINDCI_COMPILER_BRANCH
	CompilerBranch string `env:"COMPILER_BRANCH"`
	// Set via BINDCI_CHECKOUT_DIR
	CheckoutDir string `env:"CHECKOUT_DIR"`
	// Set via BINDCI_TEST_DIR
	TestDir string `env:"TEST_DIR"`
	// Set via BINDCI_MODULE_DIR
	ModuleDir string `env:"MODULE_DIR"`
	// Set via BINDCI_LIB_DIR
	LibDir string `env:"LIB_DIR"`
	// Set via BINDCI_REPORT_FILE
	ReportFile string `env:"REPORT_FILE"`
	// Set via BINDCI_CLONE_DEPTH; 0 clones the full history.
	CloneDepth int `env:"CLONE_DEPTH"`
	// Set via BINDCI_PIPELINE
	PipelineFile string `env:"PIPELINE"`
	// Set via BINDCI_IMAGE; when non-empty exec steps run in a container.
	Image string `env:"IMAGE"`
	// Set via BINDCI_DEBUG
	Debug bool `env:"DEBUG"`
	// Set via BINDCI_LOG_FORMAT ("text" or "json")
	LogFormat string `env:"LOG_FORMAT"`
}

// EnvVar describes one configuration variable for `bindci env`.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// Describe lists every configuration variable with its effective value,
// sorted by name.
func (s *Settings) Describe() []EnvVar {
	vars := []EnvVar{
		{EnvPrefix + "WORKSPACE", s.Workspace, "Repository root (default: current directory)"},
		{EnvPrefix + "COMPILER_REPO", s.CompilerRepo, "Compiler repository URL (default " + DefaultCompilerRepo + ")"},
		{EnvPrefix + "COMPILER_BRANCH", s.CompilerBranch, "Compiler branch (default " + DefaultCompilerBranch + ")"},
		{EnvPrefix + "CHECKOUT_DIR", s.CheckoutDir, "Compiler checkout location (default <workspace>/chapel)"},
		{EnvPrefix + "TEST_DIR", s.TestDir, "Unit test directory (default <workspace>/testing)"},
		{EnvPrefix + "MODULE_DIR", s.ModuleDir, "Binding package directory (default <workspace>/module)"},
		{EnvPrefix + "LIB_DIR", s.LibDir, "Shared-library staging directory (default <workspace>/lib)"},
		{EnvPrefix + "REPORT_FILE", s.ReportFile, "xUnit report path (default <workspace>/nosetests.xml)"},
		{EnvPrefix + "CLONE_DEPTH", s.CloneDepth, "Clone history depth, 0 for full (default 1)"},
		{EnvPrefix + "PIPELINE", s.PipelineFile, "Pipeline file (default: bindci.yaml/.yml/.jsonc/.json in the workspace, else built-in)"},
		{EnvPrefix + "IMAGE", s.Image, "Run exec steps inside a container from this image"},
		{EnvPrefix + "DEBUG", s.Debug, "Show debug logging (e.g. BINDCI_DEBUG=1)"},
		{EnvPrefix + "LOG_FORMAT", s.LogFormat, "Log format: text or json (default text)"},
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i].Name < vars[j].Name })
	return vars
}

// Vars returns the built-in ${NAME} substitutions derived from the settings.
func (s *Settings) Vars() map[string]string {
	return map[string]string{
		"WORKSPACE":       s.Workspace,
		"COMPILER_REPO":   s.CompilerRepo,
		"COMPILER_BRANCH": s.CompilerBranch,
		"CHECKOUT_DIR":    s.CheckoutDir,
		"TEST_DIR":        s.TestDir,
		"MODULE_DIR":      s.ModuleDir,
		"LIB_DIR":         s.LibDir,
		"REPORT_FILE":     s.ReportFile,
	}
}

// LoadSettings reads the configuration from the process environment.
func LoadSettings() (*Settings, error) {
	return LoadSettingsFrom(os.Environ())
}

// LoadSettingsFrom reads the configuration from environ (KEY=VALUE pairs),
// applies defaults and resolves every path to an absolute one.
//
// Values are trimmed of surrounding quotes and spaces, so
// BINDCI_COMPILER_BRANCH="'main'" from a CI UI still means main.
func LoadSettingsFrom(environ []string) (*Settings, error) {
	raw := make(map[string]any)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		value = clean(value)
		if value == "" {
			continue
		}
		raw[strings.TrimPrefix(name, EnvPrefix)] = value
	}

	s := &Settings{CloneDepth: DefaultCloneDepth}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "env",
		WeaklyTypedInput: true,
		Result:           s,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return nil, model.WrapCLIError(model.ExitConfigInvalid, "invalid "+EnvPrefix+"* environment", err)
	}

	if err := s.applyDefaults(); err != nil {
		return nil, err
	}
	return s, s.Validate()
}

// Validate checks values that defaults cannot repair.
//
// LogFormat is not checked here: the --log-format flag may still override
// it. See ValidateLogFormat.
func (s *Settings) Validate() error {
	if s.CloneDepth < 0 {
		return model.NewCLIError(model.ExitConfigInvalid, fmt.Sprintf("%sCLONE_DEPTH must not be negative (got %d)", EnvPrefix, s.CloneDepth))
	}
	return nil
}

// ValidateLogFormat checks the effective log format.
func ValidateLogFormat(format string) error {
	switch format {
	case "text", "json":
		return nil
	default:
		return model.NewCLIError(model.ExitConfigInvalid,
			fmt.Sprintf("invalid log format %q (set by --log-format or %sLOG_FORMAT): valid values are text, json", format, EnvPrefix))
	}
}

func (s *Settings) applyDefaults() error {
	if s.Workspace == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return model.WrapCLIError(model.ExitGeneralError, "failed to get current directory", err)
		}
		s.Workspace = cwd
	}
	ws, err := filepath.Abs(s.Workspace)
	if err != nil {
		return model.WrapCLIError(model.ExitConfigInvalid, "failed to resolve workspace", err)
	}
	s.Workspace = ws

	if s.CompilerRepo == "" {
		s.CompilerRepo = DefaultCompilerRepo
	}
	if s.CompilerBranch == "" {
		s.CompilerBranch = DefaultCompilerBranch
	}
	if s.LogFormat == "" {
		s.LogFormat = "text"
	}

	s.CheckoutDir = s.resolve(s.CheckoutDir, "chapel")
	s.TestDir = s.resolve(s.TestDir, "testing")
	s.ModuleDir = s.resolve(s.ModuleDir, "module")
	s.LibDir = s.resolve(s.LibDir, "lib")
	s.ReportFile = s.resolve(s.ReportFile, "nosetests.xml")
	if s.PipelineFile != "" {
		s.PipelineFile = s.resolve(s.PipelineFile, "")
	}
	return nil
}

// resolve makes p absolute relative to the workspace, using def (also
// workspace-relative) when p is empty.
func (s *Settings) resolve(p, def string) string {
	if p == "" {
		p = def
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(s.Workspace, p)
}

// clean strips quotes and spaces around a value.
func clean(v string) string {
	return strings.Trim(v, "\"' ")
}
