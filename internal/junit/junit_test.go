package junit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wrappedReport = `<?xml version="1.0" encoding="UTF-8"?>
<testsuites>
  <testsuite name="tvb.tests.core" tests="3" failures="1" errors="0" skipped="1" time="12.5">
    <testcase classname="tvb.tests.core" name="test_import" time="0.5"/>
    <testcase classname="tvb.tests.core" name="test_simulation" time="10.0">
      <failure message="assertion failed" type="AssertionError">expected 1 got 2</failure>
    </testcase>
    <testcase classname="tvb.tests.core" name="test_slow" time="2.0">
      <skipped message="requires GPU"/>
    </testcase>
  </testsuite>
  <testsuite name="tvb.tests.adapters" tests="2" failures="0" errors="1" time="3.0">
    <testcase classname="tvb.tests.adapters" name="test_upload" time="1.0"/>
    <testcase classname="tvb.tests.adapters" name="test_crash" time="2.0">
      <error message="boom" type="RuntimeError">stack trace here</error>
    </testcase>
  </testsuite>
</testsuites>`

const bareReport = `<?xml version="1.0"?>
<testsuite name="standalone">
  <testcase name="test_ok"/>
  <testcase name="test_bad">
    <failure message="nope"/>
  </testcase>
</testsuite>`

func TestParseWrappedRoot(t *testing.T) {
	suites, err := Parse([]byte(wrappedReport))
	require.NoError(t, err)
	require.Len(t, suites, 2)

	assert.Equal(t, "tvb.tests.core", suites[0].Name)
	assert.Equal(t, 3, suites[0].Tests)
	assert.Equal(t, 1, suites[0].Failures)
	assert.Equal(t, 1, suites[0].Skipped)

	require.Len(t, suites[0].TestCases, 3)
	assert.Equal(t, "passed", suites[0].TestCases[0].Status())
	assert.Equal(t, "failure", suites[0].TestCases[1].Status())
	assert.Equal(t, "assertion failed", suites[0].TestCases[1].Failure.Message)
	assert.Equal(t, "skipped", suites[0].TestCases[2].Status())
	assert.Equal(t, "error", suites[1].TestCases[1].Status())
}

func TestParseBareRoot(t *testing.T) {
	// Some runners emit a single <testsuite> with no wrapper and no counters.
	suites, err := Parse([]byte(bareReport))
	require.NoError(t, err)
	require.Len(t, suites, 1)
	assert.Equal(t, 2, suites[0].Tests)
	assert.Equal(t, 1, suites[0].Failures)
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse([]byte("<html><body>not a report"))
	require.Error(t, err)
}

func TestCollect(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "results_core.xml"), []byte(wrappedReport), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "results_extra.xml"), []byte(bareReport), 0o644))
	// A file outside the glob pattern is ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.xml"), []byte(bareReport), 0o644))

	summary, err := Collect(filepath.Join(dir, "results_*.xml"))
	require.NoError(t, err)

	assert.Len(t, summary.Files, 2)
	assert.Equal(t, 7, summary.Tests)
	assert.Equal(t, 2, summary.Failures)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, 1, summary.Skipped)
	assert.False(t, summary.Passed())
	assert.False(t, summary.Empty())
	assert.Equal(t, "7 tests, 2 failures, 1 errors, 1 skipped", summary.String())
}

func TestCollectNoMatches(t *testing.T) {
	summary, err := Collect(filepath.Join(t.TempDir(), "results_*.xml"))
	require.NoError(t, err)
	assert.True(t, summary.Empty())
	assert.True(t, summary.Passed())
}

func TestCollectMalformedFileIsError(t *testing.T) {
	// A crashed suite that wrote half a report must surface as an error,
	// not disappear into a passing summary.
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "results_bad.xml"), []byte("<testsuite"), 0o644))

	_, err := Collect(filepath.Join(dir, "results_*.xml"))
	require.Error(t, err)
}
