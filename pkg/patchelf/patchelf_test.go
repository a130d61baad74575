package patchelf

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "patchelf")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestNewRequiresUtility(t *testing.T) {
	_, err := New("definitely-not-patchelf-xyz")
	assert.ErrorIs(t, err, ErrNotAvailable)

	p, err := New(writeScript(t, "exit 0"))
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestSetRunPathInvokesPatchelf(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	t.Setenv("PATCHELF_ARGS", argsFile)

	p, err := New(writeScript(t, `echo "$@" > "$PATCHELF_ARGS"`))
	require.NoError(t, err)

	err = p.SetRunPath(context.Background(), []string{"/cache/a", "/cache/b"}, "/bin/one", "/bin/two")
	require.NoError(t, err)

	b, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, "--set-rpath /cache/a:/cache/b /bin/one /bin/two", strings.TrimSpace(string(b)))
}

func TestSetRunPathNoFilesIsNoop(t *testing.T) {
	p, err := New(writeScript(t, "exit 1"))
	require.NoError(t, err)
	assert.NoError(t, p.SetRunPath(context.Background(), []string{"/cache"}))
}

func TestSetRunPathUnsupportedBinary(t *testing.T) {
	p, err := New(writeScript(t, `echo "patchelf: not an ELF executable" >&2; exit 1`))
	require.NoError(t, err)

	err = p.SetRunPath(context.Background(), []string{"/cache"}, "/bin/target")
	assert.ErrorIs(t, err, ErrUnsupportedBinary)
}

func TestSetRunPathOtherFailure(t *testing.T) {
	p, err := New(writeScript(t, `echo "cannot open file" >&2; exit 1`))
	require.NoError(t, err)

	err = p.SetRunPath(context.Background(), []string{"/cache"}, "/bin/target")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnsupportedBinary)
	assert.Contains(t, err.Error(), "cannot open file")
}

func TestPrependRunPathKeepsExisting(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	t.Setenv("PATCHELF_ARGS", argsFile)

	p, err := New(writeScript(t, `
if [ "$1" = "--print-rpath" ]; then
  echo "/original/runpath"
  exit 0
fi
echo "$@" > "$PATCHELF_ARGS"
`))
	require.NoError(t, err)

	err = p.PrependRunPath(context.Background(), []string{"/cache/fp"}, "/bin/target")
	require.NoError(t, err)

	b, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, "--set-rpath /cache/fp:/original/runpath /bin/target", strings.TrimSpace(string(b)))
}

func TestPrependRunPathEmptyExisting(t *testing.T) {
	argsFile := filepath.Join(t.TempDir(), "args")
	t.Setenv("PATCHELF_ARGS", argsFile)

	p, err := New(writeScript(t, `
if [ "$1" = "--print-rpath" ]; then
  exit 0
fi
echo "$@" > "$PATCHELF_ARGS"
`))
	require.NoError(t, err)

	require.NoError(t, p.PrependRunPath(context.Background(), []string{"/cache/fp"}, "/bin/target"))

	b, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, "--set-rpath /cache/fp /bin/target", strings.TrimSpace(string(b)))
}
