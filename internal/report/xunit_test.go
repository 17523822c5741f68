package report

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinji-kodama/bindci/internal/model"
)

// noseReport mirrors what nosetests --with-xunit writes.
const noseReport = `<?xml version="1.0" encoding="UTF-8"?>
<testsuite name="nosetests" tests="4" errors="1" failures="1" skip="1">
<testcase classname="testing.test_extern" name="test_bool" time="0.010"></testcase>
<testcase classname="testing.test_extern" name="test_int" time="0.020"><failure type="AssertionError" message="1 != 2">trace</failure></testcase>
<testcase classname="module.docs" name="example_1" time="0.5"><error type="OSError" message="lib missing">trace</error></testcase>
<testcase classname="module.docs" name="example_2" time="0"><skipped type="SkipTest" message="no compiler"></skipped></testcase>
</testsuite>
`

func TestParseNoseReport(t *testing.T) {
	s, err := Parse(strings.NewReader(noseReport))
	require.NoError(t, err)

	assert.Equal(t, 1, s.Suites)
	assert.Equal(t, 4, s.Tests)
	assert.Equal(t, 1, s.Failures)
	assert.Equal(t, 1, s.Errors)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 530*time.Millisecond, s.Time)
	assert.Equal(t, []string{"testing.test_extern.test_int", "module.docs.example_1"}, s.Failed)
	assert.False(t, s.Passed())
	assert.Equal(t, "4 tests, 1 failures, 1 errors, 1 skipped", s.String())
}

func TestParseJUnitWrapper(t *testing.T) {
	doc := `<testsuites>
  <testsuite name="unit" tests="2" time="1.5">
    <testcase classname="a" name="one"/>
    <testcase classname="a" name="two"/>
  </testsuite>
  <testsuite name="docs" tests="3" failures="0" errors="0" skipped="1" time="0.5"/>
</testsuites>`

	s, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)

	assert.Equal(t, 2, s.Suites)
	assert.Equal(t, 5, s.Tests, "attribute totals are used for a suite without cases")
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 2*time.Second, s.Time)
	assert.True(t, s.Passed())
}

func TestParseRejectsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{"empty", "", "document is empty"},
		{"whitespace only", "  \n", "document is empty"},
		{"wrong root", "<html><body/></html>", "unexpected root element <html>"},
		{"truncated", `<testsuite tests="1"><testcase name="a">`, ""},
		{"trailing element", `<testsuite/><testsuite/>`, "trailing content"},
		{"trailing text", `<testsuite/>garbage`, "trailing text"},
		{"leading text", `garbage<testsuite/>`, "text before root"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.doc))
			require.Error(t, err)
			if tt.wantErr != "" {
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestParseAllowsTrailingComment(t *testing.T) {
	_, err := Parse(strings.NewReader("<testsuite tests=\"0\"/>\n<!-- generated -->\n"))
	assert.NoError(t, err)
}

func TestEmptySuitePasses(t *testing.T) {
	s, err := Parse(strings.NewReader(`<testsuite name="nosetests" tests="0"/>`))
	require.NoError(t, err)
	assert.Equal(t, 0, s.Tests)
	assert.True(t, s.Passed(), "a run that executed no tests has nothing failing")
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nosetests.xml")
	require.NoError(t, os.WriteFile(path, []byte(noseReport), 0o644))

	s, err := ParseFile(path)
	require.NoError(t, err)
	assert.Equal(t, path, s.Path)
	assert.Equal(t, 4, s.Tests)
}

func TestParseFileErrorsCarryExitCode(t *testing.T) {
	dir := t.TempDir()

	missing := filepath.Join(dir, "missing.xml")
	_, err := ParseFile(missing)
	var cliErr *model.CLIError
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, model.ExitReportInvalid, cliErr.Code)
	assert.Contains(t, cliErr.Message, "not readable")

	broken := filepath.Join(dir, "broken.xml")
	require.NoError(t, os.WriteFile(broken, []byte("<testsuite>"), 0o644))
	_, err = ParseFile(broken)
	require.True(t, errors.As(err, &cliErr))
	assert.Equal(t, model.ExitReportInvalid, cliErr.Code)
	assert.Contains(t, cliErr.Message, "malformed")
}
