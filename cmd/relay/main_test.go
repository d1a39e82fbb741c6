package main

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func newAppContext(t *testing.T, files ...string) *cli.Context {
	t.Helper()
	set := flag.NewFlagSet("relay", flag.ContinueOnError)
	f := &cli.StringSliceFlag{Name: "env-file"}
	require.NoError(t, f.Apply(set))
	for _, file := range files {
		require.NoError(t, set.Set("env-file", file))
	}
	return cli.NewContext(cli.NewApp(), set, nil)
}

func TestLoadEnvFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("RELAY_TEST_TRANSPORT=kafka\nRELAY_TEST_KEEP=file\n"), 0o600))

	t.Setenv("RELAY_TEST_TRANSPORT", "")
	require.NoError(t, os.Unsetenv("RELAY_TEST_TRANSPORT"))
	t.Setenv("RELAY_TEST_KEEP", "env")

	require.NoError(t, loadEnvFiles(newAppContext(t, path)))

	assert.Equal(t, "kafka", os.Getenv("RELAY_TEST_TRANSPORT"))
	assert.Equal(t, "env", os.Getenv("RELAY_TEST_KEEP"), "existing variables are not overridden")
}

func TestLoadEnvFiles_NoFiles(t *testing.T) {
	require.NoError(t, loadEnvFiles(newAppContext(t)))
}

func TestLoadEnvFiles_Missing(t *testing.T) {
	err := loadEnvFiles(newAppContext(t, filepath.Join(t.TempDir(), "missing.env")))
	require.ErrorContains(t, err, "failed to load env files")
}
