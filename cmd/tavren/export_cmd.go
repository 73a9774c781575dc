package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/MacroAcon/Tavren-sub000/pkg/config"
	"github.com/MacroAcon/Tavren-sub000/pkg/consent"
	"github.com/MacroAcon/Tavren-sub000/pkg/crypto"
	"github.com/MacroAcon/Tavren-sub000/pkg/export"
	"github.com/MacroAcon/Tavren-sub000/pkg/store"
)

// runExportCmd implements `tavren export`.
//
// Assembles the signed data bundle for one user straight from the database,
// the same artifact the DSR export endpoint serves, and writes it to --out
// or stdout. Operators use it to answer portability requests without a
// running server.
//
// Exit codes:
//
//	0 = export completed
//	2 = runtime error
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		userID  string
		outPath string
		withPET bool
		noSign  bool
	)

	cmd.StringVar(&userID, "user", "", "User to export (REQUIRED)")
	cmd.StringVar(&outPath, "out", "", "Output file (default stdout)")
	cmd.BoolVar(&withPET, "pet", false, "Include the PET query log")
	cmd.BoolVar(&noSign, "no-sign", false, "Skip the HMAC signature")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if userID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --user is required")
		cmd.Usage()
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	db, dialect, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer db.Close()

	consentStore, err := consent.NewSQLStore(db, dialect)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	profiles, err := store.NewProfileStore(db)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	petlog, err := store.NewPETLogStore(db, dialect)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	signer, err := crypto.NewHMACSigner([]byte(cfg.ExportHMACKey))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	packager := export.NewPackager(consent.NewLedger(consentStore), signer,
		export.WithProfiles(profiles),
		export.WithPETLog(petlog),
	)
	bundle, err := packager.Export(context.Background(), userID, export.Options{
		IncludePETQueries: withPET,
		Sign:              !noSign,
	})
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: export failed: %v\n", err)
		return 2
	}

	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: encoding bundle: %v\n", err)
		return 2
	}
	data = append(data, '\n')

	if outPath == "" {
		_, _ = stdout.Write(data)
		return 0
	}
	if err := os.WriteFile(outPath, data, 0o600); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: writing %s: %v\n", outPath, err)
		return 2
	}
	_, _ = fmt.Fprintf(stdout, "✅ Export bundle written: %s\n", outPath)
	_, _ = fmt.Fprintf(stdout, "   Export:  %s\n", bundle.ExportID)
	_, _ = fmt.Fprintf(stdout, "   Events:  %d\n", len(bundle.ConsentEvents))
	_, _ = fmt.Fprintf(stdout, "   Signed:  %t\n", bundle.Signature != "")
	return 0
}
