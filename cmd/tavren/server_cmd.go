package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MacroAcon/Tavren-sub000/pkg/agent"
	"github.com/MacroAcon/Tavren-sub000/pkg/api"
	"github.com/MacroAcon/Tavren-sub000/pkg/audit"
	"github.com/MacroAcon/Tavren-sub000/pkg/blob"
	"github.com/MacroAcon/Tavren-sub000/pkg/config"
	"github.com/MacroAcon/Tavren-sub000/pkg/consent"
	"github.com/MacroAcon/Tavren-sub000/pkg/crypto"
	"github.com/MacroAcon/Tavren-sub000/pkg/dsr"
	"github.com/MacroAcon/Tavren-sub000/pkg/export"
	"github.com/MacroAcon/Tavren-sub000/pkg/insight"
	"github.com/MacroAcon/Tavren-sub000/pkg/observability"
	"github.com/MacroAcon/Tavren-sub000/pkg/packaging"
	"github.com/MacroAcon/Tavren-sub000/pkg/ratelimit"
	"github.com/MacroAcon/Tavren-sub000/pkg/store"
	"github.com/MacroAcon/Tavren-sub000/pkg/trust"
)

// Operational knobs without a config surface. The surge limiter guards the
// whole listener; the quota windows in the policy file are per-principal.
const (
	surgeRPS            = 25
	surgeBurst          = 50
	idempotencyTTL      = 24 * time.Hour
	witnessSyncInterval = 5 * time.Minute
)

// runServerCmd boots the consent core and blocks until SIGINT or SIGTERM.
//
// Exit codes:
//
//	0 = clean shutdown
//	1 = server failed while running
//	2 = configuration or wiring error
func runServerCmd(stdout, stderr io.Writer) int {
	fmt.Fprintf(stdout, "%sTavren Consent Core starting...%s\n", ColorBold+ColorBlue, ColorReset)

	fail := func(what string, err error) int {
		_, _ = fmt.Fprintf(stderr, "%s%s:%s %v\n", ColorBold+ColorRed, what, ColorReset, err)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		return fail("Config", err)
	}
	setupLogging(cfg.LogLevel)
	log := slog.Default().With("component", "server")

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		return fail("Policy", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, dialect, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return fail("Database", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fail("Database ping", err)
	}
	if dialect == store.DialectSQLite {
		fmt.Fprintf(stdout, "ℹ️  Running on %sSQLite%s; set DATABASE_URL to Postgres for production.\n", ColorBold+ColorCyan, ColorReset)
	}
	log.Info("database connected", "dialect", dialect)

	consentStore, err := consent.NewSQLStore(db, dialect)
	if err != nil {
		return fail("Consent store", err)
	}
	pkgStore, err := packaging.NewSQLStore(db)
	if err != nil {
		return fail("Package store", err)
	}
	profiles, err := store.NewProfileStore(db)
	if err != nil {
		return fail("Profile store", err)
	}
	petlog, err := store.NewPETLogStore(db, dialect)
	if err != nil {
		return fail("PET query log", err)
	}
	rewards, err := store.NewRewardStore(db, dialect)
	if err != nil {
		return fail("Reward store", err)
	}
	offers, err := store.NewOfferStore(db)
	if err != nil {
		return fail("Offer store", err)
	}
	declines, err := trust.NewSQLDeclineStore(db, dialect)
	if err != nil {
		return fail("Decline store", err)
	}
	auditLog, err := audit.NewSQLLog(db, dialect)
	if err != nil {
		return fail("Audit log", err)
	}

	witness, err := consent.OpenFileWitness(cfg.LedgerWitnessPath)
	if err != nil {
		return fail("Ledger witness", err)
	}
	defer witness.Close()
	ledger := consent.NewLedger(consentStore, consent.WithWitness(witness))
	log.Info("consent ledger ready", "witness", witness.Path())

	signer, err := crypto.NewHMACSigner([]byte(cfg.ExportHMACKey))
	if err != nil {
		return fail("Export signer", err)
	}
	packager := export.NewPackager(ledger, signer,
		export.WithProfiles(profiles),
		export.WithPETLog(petlog),
	)

	engine := dsr.NewEngine(ledger, packager,
		dsr.WithProfiles(profiles),
		dsr.WithRewards(rewards),
		dsr.WithPETLog(petlog),
		dsr.WithAuditLog(auditLog),
	)
	validator := consent.NewValidator(ledger, engine)

	pkgOpts := []packaging.ServiceOption{packaging.WithAuditLog(auditLog)}
	if cfg.PackageEncryptionEnabled {
		cipher, err := packaging.NewContentCipher(cfg.DataEncryptionKey)
		if err != nil {
			return fail("Content cipher", err)
		}
		pkgOpts = append(pkgOpts, packaging.WithCipher(cipher))
		log.Info("package content encryption enabled")
	}
	packages := packaging.NewService(ledger, validator, pkgStore,
		packaging.NewAnonymizer(cfg.DataEncryptionKey),
		packaging.NewTokenIssuer(cfg.JWTSecretKey),
		pkgOpts...,
	)

	insights := insight.NewProcessor(
		insight.WithValidator(validator),
		insight.WithRestrictions(engine),
		insight.WithQueryLog(petlog),
		insight.WithMaxConcurrent(policy.Insight.MaxConcurrent),
		insight.WithStrategy(insight.NewDPStrategy(
			insight.WithEpsilonBounds(policy.Privacy.EpsilonMin, policy.Privacy.EpsilonMax),
			insight.WithClampFactor(policy.Privacy.ClampFactor),
		)),
		insight.WithStrategy(insight.NewSMPCStrategy(
			insight.WithParties(policy.Privacy.SMPCParties),
		)),
	)

	agents := agent.NewHandler(ledger, validator, packages)

	trustSvc := trust.NewService(declines, policy, cfg.LowTrustThreshold, cfg.HighTrustThreshold)
	offerFilter, err := trust.NewOfferFilter(trustSvc, policy.Trust.OfferPolicy)
	if err != nil {
		return fail("Offer policy", err)
	}

	limiter := ratelimit.New(cfg.RedisURL)

	telemetry := observability.Disabled()
	if cfg.TelemetryEnabled {
		telemetry, err = observability.New(ctx, &observability.Config{
			ServiceName:    "tavren-core",
			ServiceVersion: appVersion,
			Environment:    cfg.Environment,
			OTLPEndpoint:   cfg.OTLPEndpoint,
			SampleRate:     1.0,
			BatchTimeout:   5 * time.Second,
			Enabled:        true,
			Insecure:       !cfg.IsProduction(),
		})
		if err != nil {
			return fail("Telemetry", err)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = telemetry.Shutdown(flushCtx)
		}()
	}

	idem, err := api.NewSQLIdempotencyStore(db, idempotencyTTL)
	if err != nil {
		return fail("Idempotency store", err)
	}

	opts := []api.ServerOption{
		api.WithAdminKey(cfg.AdminAPIKey),
		api.WithPolicy(policy),
		api.WithSurgeLimit(surgeRPS, surgeBurst),
		api.WithIdempotencyStore(idem),
		api.WithTelemetry(telemetry),
		api.WithReadiness(db.PingContext),
	}

	if cfg.ExportArchiveURL != "" {
		archive, err := blob.Open(ctx, cfg.ExportArchiveURL)
		if err != nil {
			return fail("Export archive", err)
		}
		opts = append(opts, api.WithArchiver(export.NewArchiver(archive)))

		mirror := consent.NewWitnessMirror(witness, archive)
		go mirror.Run(ctx, witnessSyncInterval)
		log.Info("witness mirror running", "interval", witnessSyncInterval)
	}

	server := api.NewServer(api.Deps{
		Ledger:      ledger,
		Validator:   validator,
		DSR:         engine,
		Exporter:    packager,
		Packages:    packages,
		Insights:    insights,
		Agents:      agents,
		Trust:       trustSvc,
		Offers:      offerFilter,
		OfferSource: offers,
		Declines:    declines,
		Limiter:     limiter,
	}, opts...)

	fmt.Fprintf(stdout, "%sReady:%s http://localhost:%s\n", ColorBold+ColorGreen, ColorReset, cfg.Port)
	fmt.Fprintln(stdout, "Press ctrl+c to stop")

	if err := server.Serve(ctx, ":"+cfg.Port); err != nil {
		_, _ = fmt.Fprintf(stderr, "Server error: %v\n", err)
		return 1
	}
	log.Info("server stopped")
	return 0
}

// setupLogging installs the process-wide JSON logger at the configured
// level. Everything downstream logs through slog.Default.
func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN", "WARNING":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
