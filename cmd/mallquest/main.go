// Command mallquest is the production binary: HTTP+WS server, background
// worker, schema migrations and tenant management.
//
// Subcommands:
//
//	serve        start transport + scheduler
//	worker       start the scheduler alone
//	migrate      run shard-wide schema migrations idempotently
//	tenant       add | list tenants
//
// Exit codes: 0 success, 2 bad arguments, 3 schema out of date, 4 store
// unreachable at startup.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/mallquest/backend/internal/authgate"
	"github.com/mallquest/backend/internal/cache"
	"github.com/mallquest/backend/internal/circuitbreaker"
	"github.com/mallquest/backend/internal/companion"
	"github.com/mallquest/backend/internal/config"
	"github.com/mallquest/backend/internal/empire"
	"github.com/mallquest/backend/internal/metrics"
	"github.com/mallquest/backend/internal/notify"
	"github.com/mallquest/backend/internal/progression"
	"github.com/mallquest/backend/internal/ratelimit"
	"github.com/mallquest/backend/internal/scheduler"
	"github.com/mallquest/backend/internal/store"
	"github.com/mallquest/backend/internal/tenant"
	"github.com/mallquest/backend/internal/transport"
)

const (
	exitOK        = 0
	exitBadArgs   = 2
	exitSchema    = 3
	exitStoreDown = 4
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitBadArgs)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Printf("config: %v", err)
		os.Exit(exitBadArgs)
	}
	if err := cfg.Validate(); err != nil {
		log.Printf("config: %v", err)
		os.Exit(exitBadArgs)
	}

	switch os.Args[1] {
	case "serve":
		os.Exit(runServe(cfg, true))
	case "worker":
		os.Exit(runServe(cfg, false))
	case "migrate":
		os.Exit(runMigrate(cfg))
	case "tenant":
		os.Exit(runTenant(cfg, os.Args[2:]))
	default:
		usage()
		os.Exit(exitBadArgs)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: mallquest <serve|worker|migrate|tenant add|tenant list>")
}

// openStore builds the sharded store, or the in-memory one when no DSN is
// configured.
func openStore(cfg *config.Config) (store.Store, error) {
	if len(cfg.DatabaseURLs) == 0 {
		log.Println("[MAIN] no DATABASE_URL configured, using in-memory store")
		return store.NewMemory(), nil
	}
	return store.OpenSharded(cfg.DatabaseURLs)
}

func runMigrate(cfg *config.Config) int {
	if len(cfg.DatabaseURLs) == 0 {
		log.Println("[MAIN] migrate: no DATABASE_URL configured, nothing to do")
		return exitOK
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	for i, dsn := range cfg.DatabaseURLs {
		if err := store.MigrateDSN(ctx, dsn); err != nil {
			log.Printf("[MAIN] migrate shard %d: %v", i, err)
			return exitSchema
		}
		log.Printf("[MAIN] shard %d migrated", i)
	}
	return exitOK
}

func runTenant(cfg *config.Config, args []string) int {
	st, err := openStore(cfg)
	if err != nil {
		log.Printf("[MAIN] store: %v", err)
		return exitStoreDown
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	registry := tenant.NewRegistry(st)
	if len(args) == 0 {
		usage()
		return exitBadArgs
	}
	switch args[0] {
	case "add":
		fs := flag.NewFlagSet("tenant add", flag.ContinueOnError)
		name := fs.String("name", "", "mall display name")
		host := fs.String("host", "", "host domain")
		tz := fs.String("tz", cfg.TimezoneDefault, "IANA timezone")
		ssids := fs.String("ssids", "", "comma-separated Wi-Fi SSID allow-list")
		if err := fs.Parse(args[1:]); err != nil {
			return exitBadArgs
		}
		var ssidList []string
		if *ssids != "" {
			ssidList = strings.Split(*ssids, ",")
		}
		t, err := registry.Add(ctx, *name, *host, *tz, ssidList)
		if err != nil {
			log.Printf("[MAIN] tenant add: %v", err)
			return exitBadArgs
		}
		fmt.Printf("created tenant %s (%s -> %s)\n", t.ID, t.HostDomain, t.Name)
		return exitOK

	case "list":
		tenants, err := registry.List(ctx)
		if err != nil {
			log.Printf("[MAIN] tenant list: %v", err)
			return exitStoreDown
		}
		for _, t := range tenants {
			fmt.Printf("%s\t%s\t%s\t%s\n", t.ID, t.HostDomain, t.Name, t.Timezone)
		}
		return exitOK

	default:
		usage()
		return exitBadArgs
	}
}

// runServe starts the scheduler, and the HTTP server too when withHTTP is
// set ("serve" vs "worker").
func runServe(cfg *config.Config, withHTTP bool) int {
	st, err := openStore(cfg)
	if err != nil {
		log.Printf("[MAIN] store: %v", err)
		return exitStoreDown
	}
	defer st.Close()

	startCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = st.Ping(startCtx)
	cancel()
	if err != nil {
		log.Printf("[MAIN] store unreachable: %v", err)
		return exitStoreDown
	}

	// Second-tier cache is optional. The breaker keeps a Redis outage from
	// adding a dial timeout to every read.
	var remote cache.RemoteTier
	if cfg.RedisEnabled && cfg.RedisURL != "" {
		r, err := cache.NewRedis(cfg.RedisURL)
		if err != nil {
			log.Printf("[MAIN] redis disabled: %v", err)
		} else {
			remote = cache.Guard(r, circuitbreaker.New("redis", 0, 0))
			defer r.Close()
		}
	}

	users := cache.NewUserCache(cfg.UserCacheSize, cfg.UserCacheTTL, remote)
	blobs := cache.NewBlobCache(cfg.TemplateCacheSize, cfg.MissionTemplateCacheTTL)

	policies, err := config.NewManager(cfg.Policy, cfg.TenantsFile)
	if err != nil {
		log.Printf("[MAIN] tenant overrides: %v", err)
		return exitBadArgs
	}

	m := metrics.New()
	hub := transport.NewHub(m)
	dispatcher := notify.New(hub, cfg.NotifyQueue)
	defer dispatcher.Stop()

	locks := progression.NewKeyedMutex()
	coord := progression.New(st, users, blobs, policies, dispatcher, locks, cfg.TimezoneDefault)
	emp := empire.New(st, coord, users, dispatcher)
	pets := companion.New(st, coord, users, dispatcher)

	broker := authgate.NewBroker(authgate.BrokerConfig{
		Secret:              cfg.AuthSecret,
		PreviousSecret:      cfg.AuthSecretPrev,
		RotationGracePeriod: 24 * time.Hour,
		Issuer:              "mallquest",
	})
	gate := authgate.NewGate(st, broker, cfg.AccessTTL, cfg.RefreshTTL)

	limiter := ratelimit.New(cfg.RateLimits, st)
	defer limiter.Stop()

	sched := scheduler.New(st, emp, pets, blobs, dispatcher, m)
	if err := sched.Start(context.Background()); err != nil {
		log.Printf("[MAIN] scheduler: %v", err)
		return exitStoreDown
	}
	defer sched.Stop()

	if !withHTTP {
		log.Println("[MAIN] worker mode: scheduler running")
		waitForSignal()
		return exitOK
	}

	registry := tenant.NewRegistry(st)
	srv := transport.NewServer(":"+cfg.Port, transport.Deps{
		Store:      st,
		Tenants:    registry,
		Gate:       gate,
		Limiter:    limiter,
		Coord:      coord,
		Empire:     emp,
		Pets:       pets,
		Users:      users,
		Dispatcher: dispatcher,
		Hub:        hub,
		Metrics:    m,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		if err != nil {
			log.Printf("[MAIN] server: %v", err)
			return exitStoreDown
		}
	case sig := <-signalChan():
		log.Printf("[MAIN] received %s, shutting down", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[MAIN] shutdown: %v", err)
		}
	}
	return exitOK
}

func signalChan() chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	return ch
}

func waitForSignal() {
	<-signalChan()
}
