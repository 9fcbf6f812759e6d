package di

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"

	"github.com/jrjohn/arcana-runtime/internal/config"
	"github.com/jrjohn/arcana-runtime/internal/event"
	"github.com/jrjohn/arcana-runtime/internal/jobs/scheduler"
	"github.com/jrjohn/arcana-runtime/internal/pack"
	"github.com/jrjohn/arcana-runtime/internal/runtime"
)

func TestPrintBanner(t *testing.T) {
	cfg := &config.Config{
		App: config.AppConfig{
			Name:        "test-app",
			Version:     "1.0.0",
			Environment: "test",
		},
		Runtime:  config.RuntimeConfig{ModuleNamespace: "plugins"},
		Database: config.DatabaseConfig{Driver: "sqlite"},
	}

	// Just ensure PrintBanner doesn't panic
	PrintBanner(cfg, &config.Paths{Packs: "/tmp/packs"}, zap.NewNop())
}

func TestProvideLogger(t *testing.T) {
	for _, debug := range []bool{true, false} {
		cfg := &config.Config{
			App: config.AppConfig{Debug: debug},
			Log: config.LogConfig{Level: "info", Encoding: "console"},
		}
		logger, err := provideLogger(cfg)
		if err != nil {
			t.Fatalf("provideLogger(debug=%v) error = %v", debug, err)
		}
		if logger == nil {
			t.Fatal("provideLogger() returned nil")
		}
		if got := logger.Core().Enabled(zap.DebugLevel); got != debug {
			t.Errorf("debug enabled = %v, want %v", got, debug)
		}
	}
}

func TestOpenDatabase(t *testing.T) {
	paths := &config.Paths{Data: t.TempDir()}

	db, err := openDatabase(&config.DatabaseConfig{Driver: "sqlite"}, paths, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, pack.NewStore(db, zap.NewNop()).Migrate())
	_, err = os.Stat(paths.AppDB())
	assert.NoError(t, err, "sqlite database defaults to the data directory")

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = openDatabase(&config.DatabaseConfig{Driver: "oracle"}, paths, zap.NewNop())
	assert.Error(t, err)
}

func TestPumpEvents(t *testing.T) {
	rt, err := runtime.New(zap.NewNop())
	require.NoError(t, err)
	defer rt.Teardown()

	delivered := make(chan any, 1)
	rt.Bus().AppendListener(event.SettingsChange, func(args ...any) { delivered <- args[0] })
	rt.Enqueue(event.SettingsChange, "theme")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pumpEvents(ctx, rt, 10*time.Millisecond)
		close(done)
	}()

	select {
	case got := <-delivered:
		assert.Equal(t, "theme", got)
	case <-time.After(2 * time.Second):
		t.Fatal("queued event was not delivered")
	}
	cancel()
	<-done
}

func TestSyncPackStore(t *testing.T) {
	dir := t.TempDir()
	root := filepath.Join(dir, "Shapes")
	require.NoError(t, os.MkdirAll(root, 0o755))
	metadata := "format: arcana-pack-v1\nname: Shapes\nversion: 1\nuuid: " + uuid.NewString() + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, pack.MetadataFile), []byte(metadata), 0o644))

	n, err := syncPackStore(context.Background(), pack.NewCatalog(nil, zap.NewNop()), &config.Paths{Packs: dir})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAppModule_Lifecycle(t *testing.T) {
	t.Setenv("ARCANA_RUNTIME_DATA_DIR", t.TempDir())
	t.Setenv("ARCANA_OBSERVABILITY_METRICS_ENABLED", "false")

	var (
		rt    *runtime.Runtime
		sched *scheduler.Scheduler
	)
	app := fxtest.New(t,
		AppModule,
		fx.Supply(ConfigPath("")),
		fx.NopLogger,
		fx.Populate(&rt, &sched),
	)

	var started bool
	rt.Bus().AppendListener(event.FinishedStartup, func(...any) { started = true })

	app.RequireStart()
	assert.True(t, started)
	assert.True(t, sched.IsRunning())

	infos := sched.Jobs()
	require.Len(t, infos, 1)
	assert.Equal(t, "pack-store-sync", infos[0].Name)

	storage, err := rt.Registry().Endpoint(scheduler.EndpointID)
	require.NoError(t, err)
	require.Len(t, storage.Extensions(), 1)
	assert.False(t, storage.Extensions()[0].FromPlugin)

	status, err := sched.RunNow("pack-store-sync")
	require.NoError(t, err)
	assert.Equal(t, 0, status.Result)

	app.RequireStop()
	assert.False(t, sched.IsRunning())
}
