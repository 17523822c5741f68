// Package config loads the run configuration.
//
// Two layers feed a run:
//   - Settings come from BINDCI_* environment variables (decoded with
//     mapstructure) and fix the workspace layout: where the compiler is
//     cloned, where the tests and binding package live, where libraries
//     are staged and where the test report is written.
//   - The Pipeline is the ordered list of steps. It is the built-in
//     pipeline unless a bindci.yaml / bindci.yml (yaml.v3) or bindci.jsonc /
//     bindci.json (tidwall/jsonc) file is present or named explicitly.
//
// Step fields may reference ${NAME} variables; Resolve expands them from
// the settings, the pipeline's own vars and the process environment.
package config
