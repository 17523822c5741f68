package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/shinji-kodama/bindci/internal/model"
)

// BuiltinSource is reported as the pipeline origin when no file is used.
const BuiltinSource = "built-in"

// pipelineFileNames are probed in the workspace, in order, when no
// pipeline file is given explicitly.
var pipelineFileNames = []string{
	"bindci.yaml",
	"bindci.yml",
	"bindci.jsonc",
	"bindci.json",
}

// DefaultPipeline returns the built-in pipeline: clone and build the
// compiler, install the test requirements and the binding package, run the
// self-checks, stage the shared libraries, run the test suite over the unit
// tests and the documentation examples, and check again.
//
// The returned steps still contain ${VAR} references; see Expand.
func DefaultPipeline() *model.Pipeline {
	return &model.Pipeline{
		Name: "bindings",
		Steps: []model.Step{
			{
				Name:   "clone",
				Kind:   model.KindClone,
				Repo:   "${COMPILER_REPO}",
				Branch: "${COMPILER_BRANCH}",
				Dest:   "${CHECKOUT_DIR}",
			},
			{
				Name:    "build",
				Command: []string{"make"},
				Dir:     "${CHECKOUT_DIR}",
				Env:     map[string]string{"CHPL_HOME": "${CHECKOUT_DIR}"},
			},
			{
				Name:    "deps",
				Command: []string{"pip", "install", "-r", "${WORKSPACE}/requirements.txt"},
			},
			{
				Name:    "install",
				Command: []string{"pip", "install", "${MODULE_DIR}"},
			},
			{
				Name:    "check",
				Command: []string{"pych", "--check"},
				Env:     map[string]string{"CHPL_HOME": "${CHECKOUT_DIR}"},
			},
			{
				Name:    "check-compiler",
				Command: []string{"chpl", "--version"},
				Env: map[string]string{
					"CHPL_HOME": "${CHECKOUT_DIR}",
					"PATH":      "${CHECKOUT_DIR}/bin:${PATH}",
				},
			},
			{
				Name:    "stage",
				Kind:    model.KindCopy,
				Sources: []string{"${MODULE_DIR}/lib/*"},
				Dest:    "${LIB_DIR}",
			},
			{
				Name: "test",
				Command: []string{
					"nosetests",
					"--with-xunit",
					"--xunit-file=${REPORT_FILE}",
					"--with-process-isolation",
					"${TEST_DIR}",
					"${MODULE_DIR}",
				},
				Env: map[string]string{
					"CHPL_HOME":       "${CHECKOUT_DIR}",
					"LD_LIBRARY_PATH": "${LIB_DIR}:${LD_LIBRARY_PATH}",
				},
				Report: "${REPORT_FILE}",
			},
			{
				Name:    "post-check",
				Command: []string{"pych", "--check"},
				Env:     map[string]string{"CHPL_HOME": "${CHECKOUT_DIR}"},
			},
		},
	}
}

// FindPipelineFile returns the first pipeline file present in workspace,
// or "" when there is none.
func FindPipelineFile(workspace string) string {
	for _, name := range pipelineFileNames {
		p := filepath.Join(workspace, name)
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p
		}
	}
	return ""
}

// LoadPipelineFile parses a pipeline file. The format follows the
// extension: .yaml/.yml via yaml.v3, .json/.jsonc via jsonc (comments and
// trailing commas allowed).
func LoadPipelineFile(path string) (*model.Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.WrapCLIError(model.ExitConfigInvalid, fmt.Sprintf("pipeline file not found: %s", path), err)
		}
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}

	var p model.Pipeline
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&p); err != nil {
			return nil, model.WrapCLIError(model.ExitConfigInvalid, fmt.Sprintf("failed to parse pipeline file %s", path), err)
		}
	case ".json", ".jsonc":
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return nil, model.WrapCLIError(model.ExitConfigInvalid, fmt.Sprintf("failed to parse pipeline file %s", path), err)
		}
	default:
		return nil, model.NewCLIError(model.ExitConfigInvalid,
			fmt.Sprintf("unsupported pipeline file extension %q (valid: .yaml, .yml, .json, .jsonc)", filepath.Ext(path)))
	}

	for i := range p.Steps {
		kind, err := model.ParseStepKind(string(p.Steps[i].Kind))
		if err != nil {
			return nil, model.WrapCLIError(model.ExitConfigInvalid, fmt.Sprintf("pipeline file %s: step %d", path, i+1), err)
		}
		p.Steps[i].Kind = kind
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return &p, nil
}

// Resolve picks the pipeline for a run: the explicit file if one is given
// (flag or BINDCI_PIPELINE), else a pipeline file in the workspace, else
// the built-in pipeline. The result is expanded against the settings and
// validated. The second return value names where the pipeline came from.
func Resolve(s *Settings, explicit string) (*model.Pipeline, string, error) {
	path := explicit
	if path == "" {
		path = s.PipelineFile
	}
	if path == "" {
		path = FindPipelineFile(s.Workspace)
	}

	p := DefaultPipeline()
	origin := BuiltinSource
	if path != "" {
		loaded, err := LoadPipelineFile(path)
		if err != nil {
			return nil, "", err
		}
		p, origin = loaded, path
	} else {
		// BINDCI_CLONE_DEPTH only tunes the built-in pipeline; pipeline
		// files state their own depth.
		for i := range p.Steps {
			if p.Steps[i].EffectiveKind() == model.KindClone {
				p.Steps[i].Depth = s.CloneDepth
			}
		}
	}

	expanded := Expand(p, s.Vars())
	anchor(expanded, s.Workspace)
	if err := expanded.Validate(); err != nil {
		return nil, "", model.WrapCLIError(model.ExitConfigInvalid, "invalid pipeline "+origin, err)
	}
	return expanded, origin, nil
}

// Expand returns a copy of p with every ${NAME} and $NAME reference in the
// step fields replaced. Names are looked up in builtins first, then in the
// pipeline's own vars, then in the process environment; unknown names
// expand to the empty string. "$$" is a literal "$", so a shell snippet
// passed to `sh -c` writes $$f for the shell's own $f.
func Expand(p *model.Pipeline, builtins map[string]string) *model.Pipeline {
	lookup := func(name string) string {
		if name == "$" {
			return "$"
		}
		if v, ok := builtins[name]; ok {
			return v
		}
		if v, ok := p.Vars[name]; ok {
			return v
		}
		return os.Getenv(name)
	}
	exp := func(s string) string { return os.Expand(s, lookup) }

	out := &model.Pipeline{
		Name:  p.Name,
		Vars:  p.Vars,
		Steps: make([]model.Step, len(p.Steps)),
	}
	for i, s := range p.Steps {
		out.Steps[i] = model.Step{
			Name:    s.Name,
			Kind:    s.Kind,
			Command: expandAll(s.Command, exp),
			Dir:     exp(s.Dir),
			Env:     expandMap(s.Env, exp),
			Repo:    exp(s.Repo),
			Branch:  exp(s.Branch),
			Depth:   s.Depth,
			Dest:    exp(s.Dest),
			Sources: expandAll(s.Sources, exp),
			Report:  exp(s.Report),
		}
	}
	return out
}

func expandAll(in []string, exp func(string) string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = exp(v)
	}
	return out
}

// searchPathVars are the variables holding colon-separated search paths.
var searchPathVars = map[string]bool{
	"PATH":              true,
	"LD_LIBRARY_PATH":   true,
	"DYLD_LIBRARY_PATH": true,
	"LIBRARY_PATH":      true,
	"PYTHONPATH":        true,
	"CPATH":             true,
}

// expandMap expands environment values. For search path variables a
// trailing separator left by an empty reference ("${LIB_DIR}:${LD_LIBRARY_PATH}"
// with LD_LIBRARY_PATH unset) is dropped, since an empty entry means the
// current directory. Other values are kept as written.
func expandMap(in map[string]string, exp func(string) string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		v = exp(v)
		if searchPathVars[k] {
			v = strings.TrimSuffix(v, ":")
		}
		out[k] = v
	}
	return out
}

// anchor makes the relative paths of every step relative to the workspace
// rather than to wherever bindci happens to be started.
func anchor(p *model.Pipeline, workspace string) {
	abs := func(v string) string {
		if v == "" || filepath.IsAbs(v) {
			return v
		}
		return filepath.Join(workspace, v)
	}
	for i := range p.Steps {
		st := &p.Steps[i]
		st.Dir = abs(st.Dir)
		st.Report = abs(st.Report)
		if st.EffectiveKind() != model.KindExec {
			st.Dest = abs(st.Dest)
		}
		for j := range st.Sources {
			st.Sources[j] = abs(st.Sources[j])
		}
	}
}
