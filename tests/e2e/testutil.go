//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-runtime/internal/actor"
	"github.com/nidhogg/nuka-runtime/internal/orchestrator"
	"github.com/nidhogg/nuka-runtime/internal/registry"
	"github.com/nidhogg/nuka-runtime/internal/skill"
	pgstore "github.com/nidhogg/nuka-runtime/internal/store"
)

// Package-level shared state, set by TestMain and used by all tests.
var (
	testLogger   *zap.Logger
	testPGStore  *pgstore.Store
	testRedisURL string
)

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("nuka_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns URL + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	url := "redis://" + endpoint
	cleanup := func() { container.Terminate(ctx) }
	return url, cleanup, nil
}

const sampleUnits = `
values:
  base: 100
skills:
  - type: Echo
    factory: echo
    inputs: [in]
    outputs: [out]
  - type: Sum
    factory: sum
    inputs: [in]
    outputs: [total]
    config: {initial: $base}
`

// runtime bundles a registry, interpreter and actor over a temp skills folder.
type runtime struct {
	registry *registry.Registry
	interp   *orchestrator.Interpreter
	actor    *actor.Actor
	dir      string
}

// newRuntime builds a runtime whose outputs go to sink and whose
// invocations go to journal. Either may be nil.
func newRuntime(t *testing.T, sink orchestrator.OutputSink, journal actor.Journal) *runtime {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "sample.yaml"), []byte(sampleUnits), 0o600); err != nil {
		t.Fatalf("write units: %v", err)
	}

	catalog := skill.NewCatalog()
	skill.RegisterBuiltins(catalog)
	reg := registry.New(catalog, registry.Options{Logger: testLogger, Debounce: 50 * time.Millisecond})
	if err := reg.LoadFolder(dir, true); err != nil {
		t.Fatalf("load folder: %v", err)
	}

	interp := orchestrator.NewInterpreter(orchestrator.InterpreterOptions{
		TickInterval: 10 * time.Millisecond,
		Sink:         sink,
		Logger:       testLogger,
	})
	a := actor.New(reg, interp, map[string]string{
		"echo": "sample.yaml:Echo",
		"sum":  "sample.yaml:Sum",
	}, actor.Options{Logger: testLogger, Journal: journal, Source: "e2e"})

	t.Cleanup(func() {
		a.Shutdown(context.Background())
		reg.Shutdown()
	})
	return &runtime{registry: reg, interp: interp, actor: a, dir: dir}
}

// waitFor polls cond until it holds or the timeout passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
