package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Resinat/Resin/internal/buildinfo"
	"github.com/Resinat/Resin/internal/collaborators"
	"github.com/Resinat/Resin/internal/config"
	"github.com/Resinat/Resin/internal/controlapi"
	"github.com/Resinat/Resin/internal/eventlog"
	"github.com/Resinat/Resin/internal/fudger"
	"github.com/Resinat/Resin/internal/manager"
	"github.com/Resinat/Resin/internal/multiplexer"
	"github.com/Resinat/Resin/internal/provideradapter"
	"github.com/Resinat/Resin/internal/settingsstore"
)

func main() {
	log.Printf("locmux %s (commit %s, built %s)", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)

	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		fatalf("%v", err)
	}

	if err := os.MkdirAll(envCfg.StateDir, 0o755); err != nil {
		fatalf("create state dir: %v", err)
	}
	if err := os.MkdirAll(envCfg.LogDir, 0o755); err != nil {
		fatalf("create log dir: %v", err)
	}

	store, err := settingsstore.Open(filepath.Join(envCfg.StateDir, "settings.db"))
	if err != nil {
		fatalf("open settingsstore: %v", err)
	}
	defer store.Close()
	log.Println("Settings store opened")

	seed, err := config.LoadPolicySeed(envCfg.PolicySeedPath)
	if err != nil {
		fatalf("load policy seed: %v", err)
	}
	applyPolicySeed(store, seed)

	runtimeCfg := &atomic.Pointer[config.RuntimeConfig]{}
	runtimeCfg.Store(loadRuntimeConfig(store))

	sink, err := eventlog.OpenSQLiteSink(filepath.Join(envCfg.LogDir, "events.db"))
	if err != nil {
		fatalf("open event log sink: %v", err)
	}
	defer sink.Close()
	eventSvc := eventlog.NewService(eventlog.Config{
		Sink:          sink,
		QueueSize:     envCfg.EventLogQueueSize,
		FlushBatch:    envCfg.EventLogFlushBatch,
		FlushInterval: envCfg.EventLogFlushInterval,
	})
	eventSvc.Start()
	defer eventSvc.Stop()
	log.Println("Event log service started")

	fudgerSvc := fudger.New(envCfg.FudgerRotationSchedule)
	defer fudgerSvc.Stop()
	log.Println("Fudger started")

	collab := buildCollaborators(store, eventSvc, fudgerSvc)

	reg := manager.NewRegistry()
	for _, name := range envCfg.Providers {
		name := name
		reg.GetOrCreate(name, func() *manager.LocationProviderManager {
			return manager.NewLocationProviderManager(name, provideradapter.NewInMemoryAdapter(provideradapter.Properties{Name: name}), collab)
		})
	}
	log.Printf("Registered %d providers: %v", len(reg.Names()), reg.Names())

	if envCfg.DemoClientEnabled {
		registerDemoClient(reg, envCfg.Providers)
	}

	pruneStop := startPruneSweep(envCfg, reg)
	defer close(pruneStop)

	ctrlSrv := controlapi.NewServer(
		envCfg.ListenAddress,
		envCfg.HTTPPort,
		envCfg.AdminToken,
		int64(envCfg.APIMaxBodyBytes),
		reg,
		runtimeCfg,
		store,
		func() int64 { return time.Now().UnixNano() },
	)

	serverErrCh := make(chan error, 1)
	go func() {
		log.Printf("Control API starting on %s:%d", envCfg.ListenAddress, envCfg.HTTPPort)
		if err := ctrlSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runtimeErr error
	select {
	case sig := <-quit:
		log.Printf("Received signal %s, shutting down...", sig)
	case err := <-serverErrCh:
		runtimeErr = err
		log.Printf("Received server runtime error (%v), shutting down...", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctrlSrv.Shutdown(ctx); err != nil {
		log.Printf("Control API shutdown error: %v", err)
	}

	reg.StopAll()
	log.Println("Providers stopped")

	if runtimeErr != nil {
		fatalf("runtime server error: %v", runtimeErr)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "fatal: "+format+"\n", args...)
	os.Exit(1)
}

// loadRuntimeConfig seeds RuntimeConfig from the persisted settingsstore
// values where present, falling back to defaults for the fields
// settingsstore has no slot for (MaxJitterCap).
func loadRuntimeConfig(store *settingsstore.Store) *config.RuntimeConfig {
	cfg := config.NewDefaultRuntimeConfig()
	cfg.BackgroundThrottleInterval = config.Duration(time.Duration(store.BackgroundThrottleIntervalMs()) * time.Millisecond)
	cfg.CoarseAccuracyMeters = store.CoarseAccuracyMeters()
	return cfg
}

// applyPolicySeed pushes a freshly loaded PolicySeed into settingsstore.
// Only called at startup; an empty seed (no seed file configured) is a
// no-op against an already-populated store.
func applyPolicySeed(store *settingsstore.Store, seed *config.PolicySeed) {
	now := time.Now().UnixNano()
	for _, pkg := range seed.Blacklist {
		if err := store.SetBlacklisted(pkg, true, now); err != nil {
			log.Printf("[locmux] seed blacklist %s: %v", pkg, err)
		}
	}
	for _, pkg := range seed.BackgroundThrottleWhitelist {
		if err := store.SetThrottleWhitelisted(pkg, true, now); err != nil {
			log.Printf("[locmux] seed throttle whitelist %s: %v", pkg, err)
		}
	}
	for _, pkg := range seed.IgnoreSettingsWhitelist {
		if err := store.SetIgnoreSettingsWhitelisted(pkg, true, now); err != nil {
			log.Printf("[locmux] seed ignore-settings whitelist %s: %v", pkg, err)
		}
	}
}

// buildCollaborators assembles the in-memory collaborator bundle every
// registered provider's Multiplexer shares. A future platform integration
// would replace these fakes one at a time with real system services
// without touching package multiplexer.
func buildCollaborators(store *settingsstore.Store, eventSvc *eventlog.Service, fudgerSvc *fudger.Fudger) multiplexer.Collaborators {
	return multiplexer.Collaborators{
		Settings:    store,
		Users:       collaborators.NewFakeUserInfo(0),
		Alarms:      collaborators.NewFakeAlarms(),
		AppOps:      collaborators.NewCachingAppOps(collaborators.NewFakeAppOps(), 4096, 2*time.Second),
		Permissions: collaborators.NewFakePermissions(),
		Foreground:  collaborators.NewFakeForeground(),
		PowerSave:   collaborators.NewFakePowerSaveMode(),
		Screen:      collaborators.NewFakeScreen(),
		Attribution: collaborators.NewFakeAttribution(),
		EventLog:    eventSvc,
		Fudger:      fudgerSvc,
	}
}

// startPruneSweep runs a cron-scheduled sweep that evicts stale
// last-location entries older than envCfg.PruneMaxAge, grounded on
// routing.LeaseCleaner's own cron-driven eviction loop. Returns a channel
// that, when closed, stops the scheduler.
func startPruneSweep(envCfg *config.EnvConfig, reg *manager.Registry) chan struct{} {
	stop := make(chan struct{})
	if envCfg.PruneSchedule == "" {
		return stop
	}
	maxAgeNs := envCfg.PruneMaxAge.Nanoseconds()
	c := cron.New()
	_, err := c.AddFunc(envCfg.PruneSchedule, func() {
		nowRealtimeNs := time.Now().UnixNano()
		for _, name := range reg.Names() {
			m, ok := reg.Get(name)
			if !ok {
				continue
			}
			pruned := m.Multiplexer().PruneStaleLastLocations(maxAgeNs, nowRealtimeNs)
			if pruned > 0 {
				log.Printf("[locmux] prune sweep: provider %s cleared stale last-location for %d users", name, pruned)
			}
		}
	})
	if err != nil {
		log.Printf("[locmux] invalid prune schedule %q: %v", envCfg.PruneSchedule, err)
		return stop
	}
	c.Start()
	go func() {
		<-stop
		<-c.Stop().Done()
	}()
	return stop
}
