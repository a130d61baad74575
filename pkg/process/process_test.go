package process

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunCapturesOutputAndExitCode(t *testing.T) {
	ctx := context.Background()

	res, err := Run(ctx, WithCommand("sh", "-c", "echo hello; exit 0"))
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hello\n", string(res.Output))

	res, err = Run(ctx, WithCommand("sh", "-c", "echo oops >&2; exit 3"))
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
	assert.Equal(t, "oops\n", string(res.Output))
}

func TestRunRequiresCommand(t *testing.T) {
	_, err := Run(context.Background())
	assert.ErrorIs(t, err, ErrNoCommand)
}

func TestRunMissingBinary(t *testing.T) {
	_, err := Run(context.Background(), WithCommand("definitely-not-a-binary-xyz"))
	assert.Error(t, err)
}

func TestRunWithEnvs(t *testing.T) {
	res, err := Run(context.Background(),
		WithCommand("sh", "-c", "echo $NIXGLHOST_TEST_VAR"),
		WithEnvs("NIXGLHOST_TEST_VAR=injected"))
	require.NoError(t, err)
	assert.Equal(t, "injected\n", string(res.Output))
}

func TestRunWithDir(t *testing.T) {
	dir := t.TempDir()
	res, err := Run(context.Background(), WithCommand("pwd"), WithDir(dir))
	require.NoError(t, err)
	assert.Contains(t, string(res.Output), dir)
}

func TestRunHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := Run(ctx, WithCommand("sleep", "10"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCommandExists(t *testing.T) {
	assert.True(t, CommandExists("sh"))
	assert.False(t, CommandExists("definitely-not-a-binary-xyz"))
}
