package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/MacroAcon/Tavren-sub000/pkg/config"
	"github.com/MacroAcon/Tavren-sub000/pkg/consent"
	"github.com/MacroAcon/Tavren-sub000/pkg/crypto"
	"github.com/MacroAcon/Tavren-sub000/pkg/export"
	"github.com/MacroAcon/Tavren-sub000/pkg/store"
)

// runVerifyCmd implements `tavren verify`.
//
// Without flags it recomputes hash chains for every user straight from the
// database. --witness checks a JSON-lines witness file offline instead, and
// --bundle checks the seal on a previously exported data bundle. --user
// narrows chain verification to one subject.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		userID      string
		witnessPath string
		bundlePath  string
		jsonOutput  bool
	)

	cmd.StringVar(&userID, "user", "", "Verify only this user's chain")
	cmd.StringVar(&witnessPath, "witness", "", "Verify a witness file instead of the database")
	cmd.StringVar(&bundlePath, "bundle", "", "Verify an exported bundle's hash and signature")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if witnessPath != "" && bundlePath != "" {
		_, _ = fmt.Fprintln(stderr, "Error: --witness and --bundle are mutually exclusive")
		return 2
	}

	if bundlePath != "" {
		return verifyBundle(bundlePath, jsonOutput, stdout, stderr)
	}

	report, err := chainReport(userID, witnessPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if report.OK {
		_, _ = fmt.Fprintf(stdout, "✅ Consent chain verification PASSED\n")
		_, _ = fmt.Fprintf(stdout, "Events checked: %d\n", report.EventsChecked)
	} else {
		_, _ = fmt.Fprintf(stdout, "❌ Consent chain verification FAILED\n")
		for _, inc := range report.Inconsistencies {
			_, _ = fmt.Fprintf(stdout, "  - user %s event %d [%s]: %s\n", inc.UserID, inc.EventID, inc.Kind, inc.Detail)
		}
	}

	if !report.OK {
		return 1
	}
	return 0
}

// chainReport builds a verification report from the witness file when a path
// is given, otherwise from the configured database.
func chainReport(userID, witnessPath string) (*consent.VerifyReport, error) {
	if witnessPath != "" {
		events, err := consent.ReadWitnessFile(witnessPath)
		if err != nil {
			return nil, err
		}
		return verifyWitnessEvents(events, userID), nil
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	db, dialect, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	st, err := consent.NewSQLStore(db, dialect)
	if err != nil {
		return nil, err
	}
	return consent.NewLedger(st).Verify(context.Background(), userID)
}

// verifyWitnessEvents splits the witness stream per user, preserving file
// order within each chain, and merges the per-user reports.
func verifyWitnessEvents(events []*consent.Event, userID string) *consent.VerifyReport {
	chains := make(map[string][]*consent.Event)
	for _, e := range events {
		if userID != "" && e.UserID != userID {
			continue
		}
		chains[e.UserID] = append(chains[e.UserID], e)
	}

	users := make([]string, 0, len(chains))
	for u := range chains {
		users = append(users, u)
	}
	sort.Strings(users)

	total := &consent.VerifyReport{OK: true, Inconsistencies: []consent.Inconsistency{}}
	for _, u := range users {
		r := consent.VerifyEvents(chains[u])
		total.EventsChecked += r.EventsChecked
		if !r.OK {
			total.OK = false
			total.Inconsistencies = append(total.Inconsistencies, r.Inconsistencies...)
		}
	}
	return total
}

// verifyBundle checks the canonical hash and HMAC signature on an export
// bundle file. The signing key comes from EXPORT_HMAC_KEY, so verification
// of signed bundles needs the same key the server exported with.
func verifyBundle(path string, jsonOutput bool, stdout, stderr io.Writer) int {
	raw, err := os.ReadFile(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: reading bundle: %v\n", err)
		return 2
	}
	var bundle export.Bundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: parsing bundle: %v\n", err)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	signer, err := crypto.NewHMACSigner([]byte(cfg.ExportHMACKey))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	valid := export.NewPackager(nil, signer).Verify(&bundle)

	if jsonOutput {
		result := map[string]any{
			"bundle":    path,
			"valid":     valid,
			"export_id": bundle.ExportID,
			"user_id":   bundle.UserID,
			"signed":    bundle.Signature != "",
			"events":    len(bundle.ConsentEvents),
		}
		data, _ := json.MarshalIndent(result, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if valid {
		_, _ = fmt.Fprintf(stdout, "✅ Bundle verified: %s\n", path)
		_, _ = fmt.Fprintf(stdout, "   Export:  %s\n", bundle.ExportID)
		_, _ = fmt.Fprintf(stdout, "   User:    %s\n", bundle.UserID)
		_, _ = fmt.Fprintf(stdout, "   Events:  %d\n", len(bundle.ConsentEvents))
	} else {
		_, _ = fmt.Fprintf(stdout, "❌ Bundle verification FAILED: %s\n", path)
		_, _ = fmt.Fprintln(stdout, "   Hash or signature does not match the content.")
	}

	if !valid {
		return 1
	}
	return 0
}
