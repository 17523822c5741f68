package report

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shinji-kodama/bindci/internal/model"
)

// Summary holds the totals of an xUnit report.
type Summary struct {
	Path     string        `json:"path"`
	Suites   int           `json:"suites"`
	Tests    int           `json:"tests"`
	Failures int           `json:"failures"`
	Errors   int           `json:"errors"`
	Skipped  int           `json:"skipped"`
	Time     time.Duration `json:"time"`

	// Failed lists "classname.name" of every failing or erroring case.
	Failed []string `json:"failed,omitempty"`
}

// Passed reports whether no test failed or errored. A report that ran no
// tests passes: nose writes one for an empty test directory and exits 0.
func (s *Summary) Passed() bool {
	return s.Failures == 0 && s.Errors == 0
}

// String renders the one-line form used in step results.
func (s *Summary) String() string {
	return fmt.Sprintf("%d tests, %d failures, %d errors, %d skipped",
		s.Tests, s.Failures, s.Errors, s.Skipped)
}

type xmlSuites struct {
	Suites []xmlSuite `xml:"testsuite"`
}

type xmlSuite struct {
	Name     string        `xml:"name,attr"`
	Tests    int           `xml:"tests,attr"`
	Failures int           `xml:"failures,attr"`
	Errors   int           `xml:"errors,attr"`
	Skipped  int           `xml:"skipped,attr"`
	Skip     int           `xml:"skip,attr"` // nose writes "skip"
	Time     string        `xml:"time,attr"`
	Cases    []xmlTestCase `xml:"testcase"`
	Suites   []xmlSuite    `xml:"testsuite"`
}

type xmlTestCase struct {
	ClassName string    `xml:"classname,attr"`
	Name      string    `xml:"name,attr"`
	Time      string    `xml:"time,attr"`
	Failure   *struct{} `xml:"failure"`
	Error     *struct{} `xml:"error"`
	Skipped   *struct{} `xml:"skipped"`
}

// ParseFile reads and verifies the report at path.
//
// Errors are model.CLIError values with ExitReportInvalid so the CLI can
// distinguish a missing or malformed report from a failing test command.
func ParseFile(path string) (*Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, model.WrapCLIError(model.ExitReportInvalid, fmt.Sprintf("test report %s is not readable", path), err)
	}

	summary, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, model.WrapCLIError(model.ExitReportInvalid, fmt.Sprintf("test report %s is malformed", path), err)
	}
	summary.Path = path
	return summary, nil
}

// Parse decodes an xUnit document whose root is either <testsuite> or
// <testsuites>.
func Parse(r io.Reader) (*Summary, error) {
	dec := xml.NewDecoder(r)

	root, err := firstElement(dec)
	if err != nil {
		return nil, err
	}

	var suites []xmlSuite
	switch root.Name.Local {
	case "testsuite":
		var s xmlSuite
		if err := dec.DecodeElement(&s, &root); err != nil {
			return nil, fmt.Errorf("decoding testsuite: %w", err)
		}
		suites = []xmlSuite{s}
	case "testsuites":
		var ss xmlSuites
		if err := dec.DecodeElement(&ss, &root); err != nil {
			return nil, fmt.Errorf("decoding testsuites: %w", err)
		}
		suites = ss.Suites
	default:
		return nil, fmt.Errorf("unexpected root element <%s> (want <testsuite> or <testsuites>)", root.Name.Local)
	}

	// Anything after the root other than whitespace, comments or processing
	// instructions means the writer was interrupted or the file was appended to.
	if err := expectEOF(dec); err != nil {
		return nil, err
	}

	summary := &Summary{}
	for i := range suites {
		addSuite(summary, &suites[i])
	}
	return summary, nil
}

// addSuite folds a suite (and any nested suites) into the summary.
//
// Counts come from the <testcase> elements when present; suites that only
// carry attributes (some runners omit cases for collection errors) fall
// back to their attribute totals.
func addSuite(sum *Summary, s *xmlSuite) {
	sum.Suites++
	if s.Time != "" {
		sum.Time += parseSeconds(s.Time)
	} else {
		for _, c := range s.Cases {
			sum.Time += parseSeconds(c.Time)
		}
	}

	if len(s.Cases) == 0 {
		sum.Tests += s.Tests
		sum.Failures += s.Failures
		sum.Errors += s.Errors
		sum.Skipped += s.Skipped + s.Skip
	}

	for _, c := range s.Cases {
		sum.Tests++
		name := c.Name
		if c.ClassName != "" {
			name = c.ClassName + "." + c.Name
		}
		switch {
		case c.Error != nil:
			sum.Errors++
			sum.Failed = append(sum.Failed, name)
		case c.Failure != nil:
			sum.Failures++
			sum.Failed = append(sum.Failed, name)
		case c.Skipped != nil:
			sum.Skipped++
		}
	}

	for i := range s.Suites {
		addSuite(sum, &s.Suites[i])
	}
}

func firstElement(dec *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return xml.StartElement{}, errors.New("document is empty")
		}
		if err != nil {
			return xml.StartElement{}, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return t, nil
		case xml.CharData:
			if len(bytes.TrimSpace(t)) != 0 {
				return xml.StartElement{}, errors.New("text before root element")
			}
		}
	}
}

func expectEOF(dec *xml.Decoder) error {
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.CharData:
			if len(bytes.TrimSpace(t)) != 0 {
				return errors.New("trailing text after root element")
			}
		case xml.Comment, xml.ProcInst:
		default:
			return errors.New("trailing content after root element")
		}
	}
}

// parseSeconds converts an xUnit time attribute ("0.123") to a Duration.
// Unparseable values count as zero.
func parseSeconds(s string) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s + "s")
	if err != nil {
		return 0
	}
	return d
}
