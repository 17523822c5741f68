// Package report verifies the xUnit XML file written by the test runner
// and reduces it to totals for the run summary.
//
// Both the nose flavor (<testsuite> root with a "skip" attribute) and the
// JUnit flavor (<testsuites> wrapper, "skipped") are accepted.
package report
