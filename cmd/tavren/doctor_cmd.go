package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"runtime"
	"time"

	"github.com/MacroAcon/Tavren-sub000/pkg/config"
	"github.com/MacroAcon/Tavren-sub000/pkg/store"
)

// runDoctorCmd implements `tavren doctor` — configuration and dependency
// checks, run before the first boot or when a deploy misbehaves.
//
// Exit codes:
//
//	0 = all checks pass
//	1 = one or more checks failed
func runDoctorCmd(stdout, stderr io.Writer) int {
	type checkResult struct {
		Name   string `json:"name"`
		Status string `json:"status"` // "ok", "warn", "fail"
		Detail string `json:"detail,omitempty"`
	}

	var results []checkResult
	allOK := true

	// Check 1: Go runtime
	results = append(results, checkResult{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	})

	// Check 2: configuration, including production secret hardening
	cfg, err := config.Load()
	if err != nil {
		results = append(results, checkResult{Name: "config", Status: "fail", Detail: err.Error()})
		allOK = false
	} else if cfg.IsProduction() {
		results = append(results, checkResult{Name: "config", Status: "ok", Detail: "production secrets set"})
	} else {
		results = append(results, checkResult{
			Name:   "config",
			Status: "ok",
			Detail: fmt.Sprintf("environment=%s", cfg.Environment),
		})
	}

	if cfg != nil {
		// Check 3: database connectivity
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		db, dialect, err := store.Open(cfg.DatabaseURL)
		if err != nil {
			results = append(results, checkResult{Name: "database", Status: "fail", Detail: err.Error()})
			allOK = false
		} else if err := db.PingContext(ctx); err != nil {
			results = append(results, checkResult{Name: "database", Status: "fail", Detail: err.Error()})
			allOK = false
			db.Close()
		} else {
			detail := string(dialect)
			status := "ok"
			if dialect == store.DialectSQLite && cfg.IsProduction() {
				status = "warn"
				detail = "sqlite in production; use Postgres"
			}
			results = append(results, checkResult{Name: "database", Status: status, Detail: detail})
			db.Close()
		}
		cancel()

		// Check 4: witness file path
		if f, err := os.OpenFile(cfg.LedgerWitnessPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600); err != nil {
			results = append(results, checkResult{Name: "ledger_witness", Status: "fail", Detail: err.Error()})
			allOK = false
		} else {
			f.Close()
			results = append(results, checkResult{Name: "ledger_witness", Status: "ok", Detail: cfg.LedgerWitnessPath})
		}

		// Check 5: redis quota backend
		if cfg.RedisURL == "" {
			results = append(results, checkResult{
				Name:   "redis",
				Status: "warn",
				Detail: "REDIS_URL not set; quota windows are per-process",
			})
		} else if u, err := url.Parse(cfg.RedisURL); err != nil || (u.Scheme != "redis" && u.Scheme != "rediss") {
			results = append(results, checkResult{Name: "redis", Status: "fail", Detail: "REDIS_URL is not a redis:// URL"})
			allOK = false
		} else {
			results = append(results, checkResult{Name: "redis", Status: "ok", Detail: u.Host})
		}

		// Check 6: policy overlay
		if cfg.PolicyFile == "" {
			results = append(results, checkResult{Name: "policy", Status: "ok", Detail: "built-in defaults"})
		} else if _, err := config.LoadPolicy(cfg.PolicyFile); err != nil {
			results = append(results, checkResult{Name: "policy", Status: "fail", Detail: err.Error()})
			allOK = false
		} else {
			results = append(results, checkResult{Name: "policy", Status: "ok", Detail: cfg.PolicyFile})
		}

		// Check 7: export archive
		if cfg.ExportArchiveURL == "" {
			results = append(results, checkResult{
				Name:   "export_archive",
				Status: "warn",
				Detail: "EXPORT_ARCHIVE_URL not set; bundles and witness segments stay local",
			})
		} else {
			results = append(results, checkResult{Name: "export_archive", Status: "ok", Detail: "set"})
		}
	}

	// Print results
	fmt.Fprintf(stdout, "\n%sTavren Doctor%s\n", ColorBold+ColorPurple, ColorReset)
	fmt.Fprintln(stdout, "─────────────")
	for _, r := range results {
		icon := "✅"
		if r.Status == "warn" {
			icon = "⚠️ "
		} else if r.Status == "fail" {
			icon = "❌"
		}
		fmt.Fprintf(stdout, "  %s  %-16s %s%s%s\n", icon, r.Name, ColorGray, r.Detail, ColorReset)
	}

	if allOK {
		fmt.Fprintf(stdout, "\n%sAll checks passed. The ledger awaits.%s\n", ColorGreen+ColorBold, ColorReset)
		return 0
	}
	return 1
}
