package step

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/conveyor/internal/config"
	"git.home.luguber.info/inful/conveyor/internal/pipeline"
)

const passingReport = `<testsuite name="s" tests="2" failures="0">
  <testcase name="a"/><testcase name="b"/>
</testsuite>`

const failingReport = `<testsuite name="s" tests="2" failures="1">
  <testcase name="a"/>
  <testcase name="b"><failure message="nope"/></testcase>
</testsuite>`

func writeReport(t *testing.T, rc *pipeline.RunContext, name, content string) {
	t.Helper()
	dir := filepath.Join(rc.Workdir, "test-output")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func junitStepFor(t *testing.T, cfg *config.JUnitStep) pipeline.Step {
	t.Helper()
	s, err := NewFactory().New(config.Step{JUnit: cfg})
	require.NoError(t, err)
	return s
}

func TestJUnitStepPassingReport(t *testing.T) {
	rc, console := newRunContext(t)
	writeReport(t, rc, "results_1.xml", passingReport)

	s := junitStepFor(t, &config.JUnitStep{Results: "test-output/results_*.xml"})
	outcome, err := s.Run(context.Background(), rc)
	require.NoError(t, err)

	assert.Equal(t, pipeline.Result(""), outcome.Contribution)
	require.NotNil(t, outcome.Tests)
	assert.Equal(t, 2, outcome.Tests.Tests)
	assert.Equal(t, 0, outcome.Tests.Failures)
	assert.Contains(t, console.String(), "2 tests")
}

func TestJUnitStepFailingReportIsUnstable(t *testing.T) {
	rc, _ := newRunContext(t)
	writeReport(t, rc, "results_1.xml", failingReport)

	s := junitStepFor(t, &config.JUnitStep{Results: "test-output/results_*.xml"})
	outcome, err := s.Run(context.Background(), rc)
	require.NoError(t, err, "test failures must not fail the stage")

	assert.Equal(t, pipeline.ResultUnstable, outcome.Contribution)
	require.NotNil(t, outcome.Tests)
	assert.Equal(t, 1, outcome.Tests.Failures)
}

func TestJUnitStepEmptyGlobPolicies(t *testing.T) {
	cases := []struct {
		policy       string
		wantErr      bool
		contribution pipeline.Result
	}{
		{"pass", false, pipeline.Result("")},
		{"unstable", false, pipeline.ResultUnstable},
		{"", false, pipeline.ResultUnstable}, // default
		{"fail", true, pipeline.Result("")},
	}

	for _, tc := range cases {
		t.Run("policy="+tc.policy, func(t *testing.T) {
			rc, console := newRunContext(t)
			s := junitStepFor(t, &config.JUnitStep{Results: "test-output/results_*.xml", OnEmpty: tc.policy})

			outcome, err := s.Run(context.Background(), rc)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.contribution, outcome.Contribution)
			assert.Contains(t, console.String(), "No test report files matched")
		})
	}
}

func TestJUnitStepMalformedReportIsUnstable(t *testing.T) {
	// A half-written report from a crashed suite must not read as success.
	rc, console := newRunContext(t)
	writeReport(t, rc, "results_1.xml", "<testsuite")

	s := junitStepFor(t, &config.JUnitStep{Results: "test-output/results_*.xml"})
	outcome, err := s.Run(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, pipeline.ResultUnstable, outcome.Contribution)
	assert.Contains(t, console.String(), "unreadable")
}

func TestJUnitStepAbsoluteGlob(t *testing.T) {
	rc, _ := newRunContext(t)
	other := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(other, "results_x.xml"), []byte(passingReport), 0o644))

	s := junitStepFor(t, &config.JUnitStep{Results: filepath.Join(other, "results_*.xml")})
	outcome, err := s.Run(context.Background(), rc)
	require.NoError(t, err)
	require.NotNil(t, outcome.Tests)
	assert.Equal(t, 2, outcome.Tests.Tests)
}
