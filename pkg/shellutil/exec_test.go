package shellutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesStdout(t *testing.T) {
	result, err := Run(context.Background(), []string{"echo", "hello world"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", result.Stdout)
}

func TestRunNeverInterpolatesShellMetacharacters(t *testing.T) {
	// If this were shell-interpolated, "; rm -rf /" would be a second
	// command; argv-only execution passes it as one literal argument.
	result, err := Run(context.Background(), []string{"echo", "safe; not-a-command"}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "safe; not-a-command\n", result.Stdout)
}

func TestRunReportsNonZeroExitCode(t *testing.T) {
	result, err := Run(context.Background(), []string{"sh", "-c", "exit 3"}, Options{})
	require.Error(t, err)
	assert.Equal(t, 3, result.ExitCode)
}

func TestRunTimesOutAndReportsDeadlineExceeded(t *testing.T) {
	_, err := Run(context.Background(), []string{"sleep", "5"}, Options{Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestRunRespectsCallerContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, []string{"echo", "hi"}, Options{})
	require.Error(t, err)
}

func TestRunRejectsEmptyArgv(t *testing.T) {
	_, err := Run(context.Background(), nil, Options{})
	assert.Error(t, err)
}

func TestRunUsesWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	result, err := Run(context.Background(), []string{"pwd"}, Options{Dir: dir})
	require.NoError(t, err)
	assert.Contains(t, result.Stdout, dir)
}

func TestGitRunsInGivenDirectory(t *testing.T) {
	dir := t.TempDir()
	_, err := Git(context.Background(), dir, "init")
	require.NoError(t, err)

	result, err := Git(context.Background(), dir, "status", "--short")
	require.NoError(t, err)
	assert.Empty(t, result.Stdout)
}
