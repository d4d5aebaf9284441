package cmd

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/siteaudit-crawler/internal/app"
	"github.com/JakeFAU/siteaudit-crawler/internal/config"
)

type fakeRunner struct {
	mode   app.Mode
	ran    bool
	closed bool
	err    error
}

func (f *fakeRunner) Run(_ context.Context, mode app.Mode) error {
	f.ran = true
	f.mode = mode
	return f.err
}

func (f *fakeRunner) Close() { f.closed = true }

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func stubApp(t *testing.T, runner *fakeRunner, buildErr error) *config.Config {
	t.Helper()
	var seen config.Config
	prev := newApp
	newApp = func(_ context.Context, cfg config.Config, _ *zap.Logger) (Runner, error) {
		seen = cfg
		if buildErr != nil {
			return nil, buildErr
		}
		return runner, nil
	}
	t.Cleanup(func() { newApp = prev })
	return &seen
}

func execute(t *testing.T, args ...string) error {
	t.Helper()
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(os.Stderr)
	return root.ExecuteContext(context.Background())
}

func TestServeRunsAppInServeMode(t *testing.T) {
	runner := &fakeRunner{}
	seen := stubApp(t, runner, nil)
	path := writeConfig(t, "server:\n  port: 9191\nlogging:\n  development: false\n")

	require.NoError(t, execute(t, "serve", "--config", path))
	require.True(t, runner.ran)
	require.True(t, runner.closed)
	require.Equal(t, app.ModeServe, runner.mode)
	require.Equal(t, 9191, seen.Server.Port)
}

func TestWorkRunsAppInWorkMode(t *testing.T) {
	runner := &fakeRunner{err: context.Canceled}
	stubApp(t, runner, nil)

	require.NoError(t, execute(t, "work"))
	require.Equal(t, app.ModeWork, runner.mode)
	require.True(t, runner.closed)
}

func TestRunPropagatesFailures(t *testing.T) {
	stubApp(t, nil, errors.New("redis unreachable"))
	err := execute(t, "work")
	require.ErrorContains(t, err, "redis unreachable")

	runner := &fakeRunner{err: errors.New("listen: address in use")}
	stubApp(t, runner, nil)
	err = execute(t, "serve")
	require.ErrorContains(t, err, "address in use")
	require.True(t, runner.closed)
}

func TestInvalidConfigFailsBeforeBuild(t *testing.T) {
	runner := &fakeRunner{}
	stubApp(t, runner, nil)
	path := writeConfig(t, "crawler:\n  concurrency: 0\n")

	require.ErrorContains(t, execute(t, "serve", "--config", path), "crawler.concurrency")
	require.False(t, runner.ran)
}

func TestMigrate(t *testing.T) {
	var gotDSN string
	var gotSteps int
	prev := migrateFunc
	migrateFunc = func(dsn string, steps int, _ *zap.Logger) error {
		gotDSN, gotSteps = dsn, steps
		return nil
	}
	t.Cleanup(func() { migrateFunc = prev })

	require.ErrorContains(t, execute(t, "migrate"), "backend=postgres")

	path := writeConfig(t, "backend: postgres\ndb:\n  dsn: postgres://localhost/siteaudit\n")
	require.NoError(t, execute(t, "migrate", "--config", path, "--steps", "-1"))
	require.Equal(t, "postgres://localhost/siteaudit", gotDSN)
	require.Equal(t, -1, gotSteps)
}
