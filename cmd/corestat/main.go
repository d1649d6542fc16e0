package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mividas/corestat/internal/api"
	"github.com/mividas/corestat/internal/booking"
	"github.com/mividas/corestat/internal/calsync"
	"github.com/mividas/corestat/internal/cdr"
	"github.com/mividas/corestat/internal/config"
	"github.com/mividas/corestat/internal/database"
	"github.com/mividas/corestat/internal/database/models"
	"github.com/mividas/corestat/internal/dialstring"
	"github.com/mividas/corestat/internal/email"
	"github.com/mividas/corestat/internal/invite"
	"github.com/mividas/corestat/internal/livestate"
	"github.com/mividas/corestat/internal/mcu"
	"github.com/mividas/corestat/internal/metrics"
	"github.com/mividas/corestat/internal/policy"
	"github.com/mividas/corestat/internal/queue"
	"github.com/mividas/corestat/internal/rawlog"
	"github.com/mividas/corestat/internal/scheduler"
	"github.com/mividas/corestat/internal/stats"
)

// roomDiscoveryEvery bounds how often a credentials row re-enumerates its
// bookable rooms during the regular calendar poll.
const roomDiscoveryEvery = 24 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting corestat",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"core", cfg.EnableCore,
		"calendar", cfg.EnableCalendar,
	)

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Repositories.
	clusters := database.NewClusterRepository(db)
	calls := database.NewCallRepository(db)
	legs := database.NewLegRepository(db)
	convs := database.NewLegConversationRepository(db)
	customers := database.NewCustomerRepository(db)
	rules := database.NewMatchRuleRepository(db)
	invalid := database.NewInvalidCallStatsRepository(db)
	participants := database.NewActiveParticipantRepository(db)
	activeCalls := database.NewActiveCallRepository(db)
	states := database.NewPolicyStateRepository(db)
	policies := database.NewCustomerPolicyRepository(db)
	policyLog := database.NewPolicyLogRepository(db)
	rawLogs := database.NewRawLogRepository(db)
	credentials := database.NewCredentialsRepository(db)
	calendars := database.NewCalendarRepository(db)
	items := database.NewCalendarItemRepository(db)
	meetings := database.NewMeetingRepository(db)
	recurring := database.NewRecurringMeetingRepository(db)
	endpoints := database.NewEndpointRepository(db)
	locker := database.NewLocker()

	// Statistics core.
	store := stats.NewStore(calls, legs, convs, logger)
	store.KeepExternalParticipants = cfg.KeepExternalParticipants
	store.PhoneDomains = cfg.PhoneDomains()
	resolver := stats.NewResolver(customers, rules, logger)

	// Raw payload log and spam sink.
	raw := rawlog.New(rawLogs, logger)
	spam := rawlog.NewSpamLog(raw, rawlog.StoreAcanoCDR)

	// Live state, MCU snapshots and the policy gate.
	liveMgr := livestate.NewManager(participants, activeCalls, states, policies, locker, logger)
	snapshots := mcu.NewSnapshotter(mcu.NewCMSClient(logger), mcu.NewPexipClient(logger))
	reconciler := livestate.NewReconciler(liveMgr, calls, legs, store, resolver, snapshots, logger)
	gate := policy.NewGate(liveMgr, policies, policyLog, logger)

	// CDR decoders.
	acano := cdr.NewAcanoDecoder(store, resolver, calls, legs, invalid, liveMgr, spam, locker, logger)
	pexip := cdr.NewPexipDecoder(store, resolver, calls, legs, liveMgr, locker, logger)

	// Dial-string extraction and invite parsing. Domain rewrites come
	// from the configured clusters.
	extractor := dialstring.New(logger)
	extractor.Scraper = dialstring.NewScraper()
	if rows, err := clusters.List(appCtx); err != nil {
		logger.Error("loading clusters for domain rewrites", "error", err)
	} else {
		for _, c := range rows {
			if err := extractor.AddClusterDomains(c.WebDomains, c.MainDomain); err != nil {
				logger.Warn("invalid cluster web domains", "cluster", c.ID, "error", err)
			}
		}
	}
	parser := invite.NewParser(extractor, logger)

	// Calendar sync and booking.
	writer := booking.NewWriter(meetings, recurring, items, endpoints, logger)
	ews := calsync.NewEWSSource(parser, logger)
	graph := calsync.NewGraphSource(parser, logger)
	engine := calsync.NewEngine(credentials, calendars, items, map[string]calsync.Source{
		models.CredExchangeBasic: ews,
		models.CredExchangeOAuth: ews,
		models.CredMSGraphOAuth:  graph,
	}, writer, logger)

	smtp := email.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     strconv.Itoa(cfg.SMTPPort),
		From:     cfg.SMTPFrom,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		TLS:      smtpTLSMode(cfg),
	}
	sender := email.NewSender(logger)
	booker := booking.NewEmailBooker(parser, writer, meetings, items, customers, endpoints, sender, smtp, logger)

	// Worker queues and periodic tasks.
	pool := queue.NewPool(logger)
	pool.Start(appCtx)

	sched := scheduler.New(pool, logger)
	sched.RegisterCore(&coreJobs{
		engine:      engine,
		credentials: credentials,
		clusters:    clusters,
		reconciler:  reconciler,
		logger:      logger,
	}, cfg.EnableCalendar)
	sched.Start()

	// Metrics exposed at scrape time.
	collector := metrics.NewCollector(clusters, states, invalid, credentials, time.Now())
	registry := prometheus.NewRegistry()
	registry.MustRegister(collector)

	// HTTP server using the api package.
	handler := api.NewServer(cfg, api.Deps{
		Clusters: clusters,
		Calls:    calls,
		Legs:     legs,
		Acano:    acano,
		Pexip:    pexip,
		RawLog:   raw,
		Pool:     pool,
		Booker:   booker,
		Gate:     gate,
		Resolver: resolver,
		Store:    store,
		Metrics:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Logger:   logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	sched.Stop()
	pool.Stop()
	handler.Close()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("corestat stopped")
}

// smtpTLSMode maps the flat STARTTLS toggle onto the sender's TLS modes.
func smtpTLSMode(cfg *config.Config) string {
	if cfg.SMTPStartTLS {
		return "starttls"
	}
	return "none"
}

// coreJobs adapts the long-lived components to the scheduler's periodic
// task surface.
type coreJobs struct {
	engine      *calsync.Engine
	credentials database.CredentialsRepository
	clusters    database.ClusterRepository
	reconciler  *livestate.Reconciler
	logger      *slog.Logger
}

// PollCalendars runs one sync pass over every syncable credentials row and
// refreshes stale room lists beforehand.
func (j *coreJobs) PollCalendars(ctx context.Context) error {
	j.discoverStaleRooms(ctx)

	now := time.Now().UTC()
	win := calsync.Window{
		Start: now.Truncate(24 * time.Hour),
		Stop:  now.Add(7 * 24 * time.Hour),
	}
	return j.engine.SyncAll(ctx, win)
}

// discoverStaleRooms re-enumerates bookable rooms for credentials whose
// discovery is older than roomDiscoveryEvery. Failures are logged and do
// not block the poll.
func (j *coreJobs) discoverStaleRooms(ctx context.Context) {
	creds, err := j.credentials.ListSyncable(ctx)
	if err != nil {
		j.logger.Error("listing credentials for room discovery", "error", err)
		return
	}
	cutoff := time.Now().Add(-roomDiscoveryEvery)
	for i := range creds {
		c := creds[i]
		if c.LastRoomDiscoveryTS != nil && c.LastRoomDiscoveryTS.After(cutoff) {
			continue
		}
		rooms, err := j.engine.DiscoverRooms(ctx, &c)
		if err != nil {
			j.logger.Error("room discovery failed", "credentials_id", c.ID, "error", err)
			continue
		}
		j.logger.Info("room discovery finished", "credentials_id", c.ID, "rooms", len(rooms))
	}
}

// RecheckClusters reconciles every cluster's live counters against a fresh
// MCU snapshot.
func (j *coreJobs) RecheckClusters(ctx context.Context) error {
	rows, err := j.clusters.List(ctx)
	if err != nil {
		return fmt.Errorf("listing clusters: %w", err)
	}
	for i := range rows {
		c := rows[i]
		if err := j.reconciler.Reconcile(ctx, &c); err != nil {
			j.logger.Error("cluster recheck failed", "cluster", c.ID, "error", err)
		}
	}
	return nil
}

// StopMissingLegs closes legs that vanished from the last two snapshots.
func (j *coreJobs) StopMissingLegs(ctx context.Context) error {
	rows, err := j.clusters.List(ctx)
	if err != nil {
		return fmt.Errorf("listing clusters: %w", err)
	}
	for i := range rows {
		c := rows[i]
		n, err := j.reconciler.StopMissingLegs(ctx, &c)
		if err != nil {
			j.logger.Error("missing-leg sweep failed", "cluster", c.ID, "error", err)
			continue
		}
		if n > 0 {
			j.logger.Info("stopped missing legs", "cluster", c.ID, "count", n)
		}
	}
	return nil
}
