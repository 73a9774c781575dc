package export

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/MacroAcon/Tavren-sub000/pkg/blob"
)

// ArchiveManifest is written as manifest.json inside an archive and lists
// the SHA-256 of every other entry.
type ArchiveManifest struct {
	Version    string            `json:"version"`
	ArchivedAt string            `json:"archived_at"`
	ExportID   string            `json:"export_id"`
	UserID     string            `json:"user_id"`
	Signed     bool              `json:"signed"`
	FileHashes map[string]string `json:"file_hashes"`
}

// Archiver writes completed bundles to an object store as tar.gz archives.
type Archiver struct {
	store blob.Store
	clock func() time.Time
	log   *slog.Logger
}

// ArchiverOption configures an Archiver.
type ArchiverOption func(*Archiver)

// WithArchiverClock overrides the manifest timestamp source.
func WithArchiverClock(clock func() time.Time) ArchiverOption {
	return func(a *Archiver) { a.clock = clock }
}

// NewArchiver builds an archiver over the given object store.
func NewArchiver(store blob.Store, opts ...ArchiverOption) *Archiver {
	a := &Archiver{
		store: store,
		clock: time.Now,
		log:   slog.Default().With("component", "export_archiver"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ArchiveKey returns the object key a bundle archives under.
func ArchiveKey(b *Bundle) string {
	return fmt.Sprintf("exports/%s/%s.tar.gz", b.UserID, b.ExportID)
}

// Archive writes the bundle to the object store and returns its key.
func (a *Archiver) Archive(ctx context.Context, b *Bundle) (string, error) {
	var buf bytes.Buffer
	if err := WriteArchive(&buf, b, a.clock()); err != nil {
		return "", err
	}
	key := ArchiveKey(b)
	if err := a.store.Put(ctx, key, buf.Bytes()); err != nil {
		return "", fmt.Errorf("export: archiving bundle %s: %w", b.ExportID, err)
	}
	a.log.Info("export bundle archived",
		"export_id", b.ExportID,
		"user_id", b.UserID,
		"key", key,
		"bytes", buf.Len(),
	)
	return key, nil
}

// WriteArchive writes the bundle as a deterministic tar.gz: manifest.json
// first, remaining entries in sorted order, epoch mtimes, zero uid/gid.
// Re-archiving the same sealed bundle with the same archivedAt produces
// identical bytes.
func WriteArchive(w io.Writer, b *Bundle, archivedAt time.Time) error {
	bundleJSON, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("export: encoding bundle for archive: %w", err)
	}
	files := map[string][]byte{"bundle.json": bundleJSON}

	names := make([]string, 0, len(files))
	hashes := make(map[string]string, len(files))
	for name, data := range files {
		names = append(names, name)
		sum := sha256.Sum256(data)
		hashes[name] = hex.EncodeToString(sum[:])
	}
	sort.Strings(names)

	manifest := ArchiveManifest{
		Version:    Version,
		ArchivedAt: archivedAt.UTC().Format(time.RFC3339),
		ExportID:   b.ExportID,
		UserID:     b.UserID,
		Signed:     b.Signature != "",
		FileHashes: hashes,
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("export: encoding archive manifest: %w", err)
	}

	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)
	if err := writeArchiveEntry(tw, "manifest.json", manifestJSON); err != nil {
		return err
	}
	for _, name := range names {
		if err := writeArchiveEntry(tw, name, files[name]); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("export: closing archive: %w", err)
	}
	if err := gw.Close(); err != nil {
		return fmt.Errorf("export: closing archive compressor: %w", err)
	}
	return nil
}

func writeArchiveEntry(tw *tar.Writer, name string, data []byte) error {
	hdr := &tar.Header{
		Name:    name,
		Size:    int64(len(data)),
		Mode:    0o644,
		ModTime: time.Unix(0, 0),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("export: writing archive header %s: %w", name, err)
	}
	if _, err := tw.Write(data); err != nil {
		return fmt.Errorf("export: writing archive entry %s: %w", name, err)
	}
	return nil
}

// ReadArchive decodes an archive, checks every entry against the manifest
// hashes, and returns the bundle it carries.
func ReadArchive(r io.Reader) (*Bundle, *ArchiveManifest, error) {
	gr, err := gzip.NewReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("export: opening archive: %w", err)
	}
	defer gr.Close()

	var manifest *ArchiveManifest
	entries := make(map[string][]byte)
	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("export: reading archive: %w", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, nil, fmt.Errorf("export: reading archive entry %s: %w", hdr.Name, err)
		}
		if hdr.Name == "manifest.json" {
			var m ArchiveManifest
			if err := json.Unmarshal(data, &m); err != nil {
				return nil, nil, fmt.Errorf("export: decoding archive manifest: %w", err)
			}
			manifest = &m
			continue
		}
		entries[hdr.Name] = data
	}
	if manifest == nil {
		return nil, nil, fmt.Errorf("export: archive has no manifest.json")
	}

	for name, want := range manifest.FileHashes {
		data, ok := entries[name]
		if !ok {
			return nil, nil, fmt.Errorf("export: archive entry %s listed in manifest but missing", name)
		}
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); got != want {
			return nil, nil, fmt.Errorf("export: archive entry %s hash mismatch: manifest %s, actual %s", name, want, got)
		}
	}

	bundleJSON, ok := entries["bundle.json"]
	if !ok {
		return nil, nil, fmt.Errorf("export: archive has no bundle.json")
	}
	var b Bundle
	if err := json.Unmarshal(bundleJSON, &b); err != nil {
		return nil, nil, fmt.Errorf("export: decoding archived bundle: %w", err)
	}
	return &b, manifest, nil
}
