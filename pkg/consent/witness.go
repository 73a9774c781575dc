package consent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// FileWitness is the JSON-lines witness sink: one event object per line,
// append-only. It lets an auditor verify chain integrity even if the
// primary store is compromised. Appends are reverted by truncating back to
// the pre-append size, which the ledger uses when a database commit fails
// after the witness line was written.
type FileWitness struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// OpenFileWitness opens or creates the witness file for appending.
func OpenFileWitness(path string) (*FileWitness, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("consent: opening witness %s: %w", path, err)
	}
	return &FileWitness{f: f, path: path}, nil
}

// Path returns the backing file path.
func (w *FileWitness) Path() string { return w.path }

// Append implements Witness. The returned revert truncates the file back to
// its size before this append.
func (w *FileWitness) Append(e *Event) (func() error, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	info, err := w.f.Stat()
	if err != nil {
		return nil, fmt.Errorf("consent: sizing witness: %w", err)
	}
	checkpoint := info.Size()

	line, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("consent: encoding witness line: %w", err)
	}
	line = append(line, '\n')
	if _, err := w.f.Write(line); err != nil {
		// A short write leaves a torn line; trim it so the file stays
		// parseable.
		if terr := w.f.Truncate(checkpoint); terr != nil {
			return nil, fmt.Errorf("consent: writing witness line: %w (truncate failed: %v)", err, terr)
		}
		return nil, fmt.Errorf("consent: writing witness line: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return nil, fmt.Errorf("consent: syncing witness: %w", err)
	}

	revert := func() error {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.f.Truncate(checkpoint)
	}
	return revert, nil
}

// ReadAll decodes every event in the witness file in file order.
func (w *FileWitness) ReadAll() ([]*Event, error) {
	return ReadWitnessFile(w.path)
}

// TailFrom returns the bytes appended after offset and the current file
// size. It holds the append lock so a concurrent append or revert cannot
// tear the read. When the file has shrunk below offset it returns no data
// and the new, smaller size.
func (w *FileWitness) TailFrom(offset int64) ([]byte, int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.Open(w.path)
	if err != nil {
		return nil, 0, fmt.Errorf("consent: opening witness for tail read: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, 0, fmt.Errorf("consent: sizing witness: %w", err)
	}
	size := info.Size()
	if offset >= size {
		return nil, size, nil
	}
	buf := make([]byte, size-offset)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, 0, fmt.Errorf("consent: reading witness tail: %w", err)
	}
	return buf, size, nil
}

// Close releases the file handle.
func (w *FileWitness) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// ReadWitnessFile decodes a JSON-lines witness file without holding an
// append handle. Verification tooling uses this on live files.
func ReadWitnessFile(path string) ([]*Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("consent: opening witness %s: %w", path, err)
	}
	defer f.Close()

	var events []*Event
	dec := json.NewDecoder(f)
	for {
		var e Event
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("consent: decoding witness line %d: %w", len(events)+1, err)
		}
		events = append(events, &e)
	}
	return events, nil
}
