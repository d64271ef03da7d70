// Package junit parses JUnit-style XML test reports. The report is an
// independent signal from the test process exit status: a test script may be
// forced to exit zero while its XML output still carries failures.
package junit

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Suites is the <testsuites> document root.
type Suites struct {
	XMLName xml.Name `xml:"testsuites"`
	Suites  []Suite  `xml:"testsuite"`
}

// Suite is a single <testsuite> element. It can also appear as a bare
// document root without the <testsuites> wrapper.
type Suite struct {
	XMLName   xml.Name `xml:"testsuite"`
	Name      string   `xml:"name,attr"`
	Tests     int      `xml:"tests,attr"`
	Failures  int      `xml:"failures,attr"`
	Errors    int      `xml:"errors,attr"`
	Skipped   int      `xml:"skipped,attr"`
	Time      float64  `xml:"time,attr"`
	TestCases []Case   `xml:"testcase"`
}

// Case is a single <testcase> element.
type Case struct {
	Name      string   `xml:"name,attr"`
	ClassName string   `xml:"classname,attr"`
	Time      float64  `xml:"time,attr"`
	Failure   *Detail  `xml:"failure"`
	Error     *Detail  `xml:"error"`
	Skipped   *Detail  `xml:"skipped"`
}

// Detail carries failure/error/skip information for a case.
type Detail struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Text    string `xml:",chardata"`
}

// Status classifies a single test case.
func (c Case) Status() string {
	switch {
	case c.Error != nil:
		return "error"
	case c.Failure != nil:
		return "failure"
	case c.Skipped != nil:
		return "skipped"
	}
	return "passed"
}

// Summary aggregates results across all parsed report files.
type Summary struct {
	Tests    int
	Failures int
	Errors   int
	Skipped  int
	Duration time.Duration
	Suites   []Suite
	Files    []string
}

// Passed reports whether the summary contains no failures or errors.
func (s Summary) Passed() bool { return s.Failures == 0 && s.Errors == 0 }

// Empty reports whether no report files were found at all.
func (s Summary) Empty() bool { return len(s.Files) == 0 }

func (s Summary) String() string {
	return fmt.Sprintf("%d tests, %d failures, %d errors, %d skipped", s.Tests, s.Failures, s.Errors, s.Skipped)
}

// Parse decodes a single report document. Both a <testsuites> wrapper and a
// bare <testsuite> root are accepted.
func Parse(data []byte) ([]Suite, error) {
	var wrapper Suites
	if err := xml.Unmarshal(data, &wrapper); err == nil {
		return normalizeSuites(wrapper.Suites), nil
	}

	var single Suite
	if err := xml.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("not a recognized junit document: %w", err)
	}
	return normalizeSuites([]Suite{single}), nil
}

// ParseFile decodes one report file.
func ParseFile(path string) ([]Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report %s: %w", path, err)
	}
	suites, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse report %s: %w", path, err)
	}
	return suites, nil
}

// Collect globs for report files and merges them into a Summary. A glob that
// matches nothing yields an empty Summary and no error; the caller decides
// what an empty report means. A file that matches but fails to parse is an
// error: a crashed test suite must not be mistaken for a clean one.
func Collect(glob string) (*Summary, error) {
	matches, err := filepath.Glob(glob)
	if err != nil {
		return nil, fmt.Errorf("bad results glob %q: %w", glob, err)
	}

	summary := &Summary{}
	for _, path := range matches {
		suites, err := ParseFile(path)
		if err != nil {
			return nil, err
		}
		summary.Files = append(summary.Files, path)
		for _, suite := range suites {
			summary.Suites = append(summary.Suites, suite)
			summary.Tests += suite.Tests
			summary.Failures += suite.Failures
			summary.Errors += suite.Errors
			summary.Skipped += suite.Skipped
			summary.Duration += time.Duration(suite.Time * float64(time.Second))
		}
	}
	return summary, nil
}

// normalizeSuites fills in counter attributes from the case list when the
// producer omitted them (some runners only emit per-case elements).
func normalizeSuites(suites []Suite) []Suite {
	for i := range suites {
		s := &suites[i]
		if s.Tests == 0 && len(s.TestCases) > 0 {
			s.Tests = len(s.TestCases)
		}
		if s.Failures == 0 || s.Errors == 0 || s.Skipped == 0 {
			var failures, errors, skipped int
			for _, c := range s.TestCases {
				switch c.Status() {
				case "failure":
					failures++
				case "error":
					errors++
				case "skipped":
					skipped++
				}
			}
			if s.Failures == 0 {
				s.Failures = failures
			}
			if s.Errors == 0 {
				s.Errors = errors
			}
			if s.Skipped == 0 {
				s.Skipped = skipped
			}
		}
	}
	return suites
}
