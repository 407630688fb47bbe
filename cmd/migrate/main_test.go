package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/orders/internal/storage/postgres"
)

type fakeMigrator struct {
	upSteps   []int
	downSteps []int
	state     postgres.MigrationState
	err       error
	closed    bool
}

func (f *fakeMigrator) MigrateUp(_ context.Context, steps int) error {
	f.upSteps = append(f.upSteps, steps)
	return f.err
}

func (f *fakeMigrator) MigrateDown(_ context.Context, steps int) error {
	f.downSteps = append(f.downSteps, steps)
	return f.err
}

func (f *fakeMigrator) MigrationStatus(context.Context) (postgres.MigrationState, error) {
	return f.state, nil
}

func (f *fakeMigrator) Close() error {
	f.closed = true
	return nil
}

func withFakeMigrator(t *testing.T, fake *fakeMigrator) *string {
	t.Helper()

	var gotDSN string
	original := openMigrator
	openMigrator = func(_ context.Context, dsn string) (migrator, error) {
		gotDSN = dsn
		return fake, nil
	}
	t.Cleanup(func() { openMigrator = original })
	return &gotDSN
}

func noEnv(string) string { return "" }

func TestRun_Up(t *testing.T) {
	fake := &fakeMigrator{state: postgres.MigrationState{Version: 3, Applied: 3}}
	dsn := withFakeMigrator(t, fake)

	var out bytes.Buffer
	err := run(context.Background(), []string{"-direction=up", "-dsn=postgres://x"}, noEnv, &out)
	require.NoError(t, err)

	require.Equal(t, "postgres://x", *dsn)
	require.Equal(t, []int{0}, fake.upSteps)
	require.True(t, fake.closed)
	require.Contains(t, out.String(), "migrate up ok: version=3 applied=3 pending=0")
}

func TestRun_DownUsesEnvDSN(t *testing.T) {
	fake := &fakeMigrator{}
	dsn := withFakeMigrator(t, fake)

	getenv := func(key string) string {
		if key == envPostgresDSN {
			return " postgres://from-env "
		}
		return ""
	}

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-direction=DOWN", "-steps=2"}, getenv, &out))
	require.Equal(t, "postgres://from-env", *dsn)
	require.Equal(t, []int{2}, fake.downSteps)
}

func TestRun_StatusListsPending(t *testing.T) {
	fake := &fakeMigrator{state: postgres.MigrationState{
		Version: 1,
		Applied: 1,
		Pending: []postgres.Migration{{Version: 2, Name: "orders_receipts"}},
	}}
	withFakeMigrator(t, fake)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"-direction=status", "-dsn=postgres://x"}, noEnv, &out))
	require.Empty(t, fake.upSteps)
	require.Empty(t, fake.downSteps)
	require.Contains(t, out.String(), "pending=1")
	require.Contains(t, out.String(), "pending 2 orders_receipts")
}

func TestRun_Errors(t *testing.T) {
	fake := &fakeMigrator{err: errors.New("checksum mismatch")}
	withFakeMigrator(t, fake)

	err := run(context.Background(), []string{"-direction=status"}, noEnv, &bytes.Buffer{})
	require.ErrorContains(t, err, envPostgresDSN)

	err = run(context.Background(), []string{"-direction=sideways", "-dsn=postgres://x"}, noEnv, &bytes.Buffer{})
	require.ErrorContains(t, err, "unsupported direction")

	err = run(context.Background(), []string{"-direction=up", "-dsn=postgres://x"}, noEnv, &bytes.Buffer{})
	require.ErrorContains(t, err, "checksum mismatch")
	require.True(t, fake.closed)

	err = run(context.Background(), []string{"-unknown"}, noEnv, &bytes.Buffer{})
	require.Error(t, err)
}

func TestFailExits(t *testing.T) {
	if os.Getenv("MIGRATE_TEST_FAIL_EXIT") == "1" {
		fail("forced failure %d", 42)
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestFailExits")
	cmd.Env = append(os.Environ(), "MIGRATE_TEST_FAIL_EXIT=1")
	var stderr strings.Builder
	cmd.Stderr = &stderr
	err := cmd.Run()

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode() == 0 {
		t.Fatalf("expected non-zero exit code, got %v", err)
	}
	if !strings.Contains(stderr.String(), "forced failure 42") {
		t.Fatalf("unexpected stderr: %q", stderr.String())
	}
}
