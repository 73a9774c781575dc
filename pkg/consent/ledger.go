package consent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/MacroAcon/Tavren-sub000/pkg/crypto"
)

// recordAttempts bounds retries of a failed append before the error
// surfaces to the caller.
const recordAttempts = 3

// HashFunc computes the chain hash for a fully populated event.
type HashFunc func(*Event) string

// CommitHook runs inside the append transaction after the event row is
// staged. It returns a revert function that undoes the hook's side effect
// if the transaction subsequently fails to commit.
type CommitHook func(*Event) (revert func() error, err error)

// Store persists consent events. Append must serialize appends per user at
// the storage level so the prev_hash chain stays linear across processes.
type Store interface {
	// Append assigns the event's id and prev_hash under the user's append
	// lock, computes its hash via hash, invokes hook (if non-nil) before
	// commit, and makes the event durable.
	Append(ctx context.Context, e *Event, hash HashFunc, hook CommitHook) (*Event, error)
	// History returns all events for a user ordered by timestamp, then id.
	History(ctx context.Context, userID string) ([]*Event, error)
	// Event returns one event by id, or ErrEventNotFound.
	Event(ctx context.Context, id int64) (*Event, error)
	// Range returns events within the optional [start, end] bounds.
	Range(ctx context.Context, start, end *time.Time) ([]*Event, error)
	// PurgeUser removes a user's events and chain head under the same
	// append lock, so a deletion never interleaves with an append.
	PurgeUser(ctx context.Context, userID string) (int64, error)
	// Users lists every user with at least one event.
	Users(ctx context.Context) ([]string, error)
}

// Witness is the secondary append-only sink. The returned revert function
// must restore the witness to its pre-append state.
type Witness interface {
	Append(e *Event) (revert func() error, err error)
}

// Ledger is the consent ledger service: it validates drafts, assigns
// timestamps, maintains the per-user hash chain, and mirrors every event to
// the witness sink.
type Ledger struct {
	store   Store
	witness Witness
	clock   func() time.Time
	log     *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the timestamp source. Tests use this to pin event
// times.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithWitness attaches the JSON-lines witness sink.
func WithWitness(w Witness) Option {
	return func(l *Ledger) { l.witness = w }
}

// NewLedger builds a ledger service over the given store.
func NewLedger(store Store, opts ...Option) *Ledger {
	l := &Ledger{
		store: store,
		clock: time.Now,
		log:   slog.Default().With("component", "consent_ledger"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// EventHash computes the chain hash of an event from its identifying
// fields. Every verifier must agree with this function exactly.
func EventHash(e *Event) string {
	preimage := crypto.CanonicalizeConsentEvent(e.ID, e.UserID, string(e.Action), e.TimestampISO(), e.PrevHash)
	return crypto.HashString(preimage)
}

// Record validates the draft, stamps it, and appends it to both sinks.
// Transient store failures are retried a bounded number of times; the
// append is atomic with respect to concurrent records for the same user.
func (l *Ledger) Record(ctx context.Context, d Draft) (*Event, error) {
	d.Scope = NormalizeScope(d.Scope)
	d.Purpose = NormalizePurpose(d.Purpose)
	if d.InitiatedBy == "" {
		d.InitiatedBy = InitiatorUser
	}
	if err := d.validate(); err != nil {
		return nil, err
	}

	var hook CommitHook
	if l.witness != nil {
		hook = l.witness.Append
	}

	operation := func() (*Event, error) {
		ev, err := l.store.Append(ctx, d.newEvent(l.clock()), EventHash, hook)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return ev, nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	ev, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(recordAttempts))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLedgerWrite, err)
	}

	l.log.Info("consent event recorded",
		"event_id", ev.ID,
		"user_id", ev.UserID,
		"action", ev.Action,
		"scope", ev.Scope,
	)
	return ev, nil
}

// History returns a user's events in chain order.
func (l *Ledger) History(ctx context.Context, userID string) ([]*Event, error) {
	return l.store.History(ctx, userID)
}

// Event returns a single event by ledger id.
func (l *Ledger) Event(ctx context.Context, id int64) (*Event, error) {
	return l.store.Event(ctx, id)
}

// ExportRange returns all events within the optional time bounds, for
// audit extraction.
func (l *Ledger) ExportRange(ctx context.Context, start, end *time.Time) ([]*Event, error) {
	return l.store.Range(ctx, start, end)
}

// Purge removes a user's entire chain from the primary store. Only the DSR
// engine calls this, and only when a deletion request explicitly includes
// consent history. The witness file is append-only and keeps its lines.
func (l *Ledger) Purge(ctx context.Context, userID string) (int64, error) {
	n, err := l.store.PurgeUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	l.log.Warn("consent history purged", "user_id", userID, "events_deleted", n)
	return n, nil
}

// Inconsistency kinds reported by Verify.
const (
	KindHashMismatch = "Event hash mismatch"
	KindChainBroken  = "Chain linkage broken"
	KindBadGenesis   = "First event prev_hash invalid"
)

// Inconsistency describes one chain defect found during verification.
type Inconsistency struct {
	UserID  string `json:"user_id"`
	EventID int64  `json:"event_id"`
	Index   int    `json:"index"`
	Kind    string `json:"kind"`
	Detail  string `json:"detail,omitempty"`
}

// VerifyReport summarizes a verification pass.
type VerifyReport struct {
	OK              bool            `json:"ok"`
	EventsChecked   int             `json:"events_checked"`
	Inconsistencies []Inconsistency `json:"inconsistencies"`
}

func (r *VerifyReport) add(inc Inconsistency) {
	r.OK = false
	r.Inconsistencies = append(r.Inconsistencies, inc)
}

// VerifyEvents checks one user's event sequence for chain integrity. The
// sequence must be in chain order. All defects are reported, not just the
// first.
func VerifyEvents(events []*Event) *VerifyReport {
	report := &VerifyReport{OK: true, EventsChecked: len(events), Inconsistencies: []Inconsistency{}}
	for i, e := range events {
		if i == 0 {
			if e.PrevHash != GenesisHash && e.PrevHash != "" {
				report.add(Inconsistency{
					UserID: e.UserID, EventID: e.ID, Index: i,
					Kind:   KindBadGenesis,
					Detail: fmt.Sprintf("prev_hash %q is not the genesis sentinel", e.PrevHash),
				})
			}
		} else if e.PrevHash != events[i-1].Hash {
			report.add(Inconsistency{
				UserID: e.UserID, EventID: e.ID, Index: i,
				Kind:   KindChainBroken,
				Detail: fmt.Sprintf("prev_hash %q does not match previous event hash %q", e.PrevHash, events[i-1].Hash),
			})
		}
		if want := EventHash(e); e.Hash != want {
			report.add(Inconsistency{
				UserID: e.UserID, EventID: e.ID, Index: i,
				Kind:   KindHashMismatch,
				Detail: fmt.Sprintf("stored hash %q, recomputed %q", e.Hash, want),
			})
		}
	}
	return report
}

// Verify recomputes hashes and linkage for one user, or for every user when
// userID is empty. Verification is read-only.
func (l *Ledger) Verify(ctx context.Context, userID string) (*VerifyReport, error) {
	users := []string{userID}
	if userID == "" {
		var err error
		users, err = l.store.Users(ctx)
		if err != nil {
			return nil, fmt.Errorf("consent: listing ledger users: %w", err)
		}
	}

	total := &VerifyReport{OK: true, Inconsistencies: []Inconsistency{}}
	for _, u := range users {
		events, err := l.store.History(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("consent: loading history for %s: %w", u, err)
		}
		r := VerifyEvents(events)
		total.EventsChecked += r.EventsChecked
		if !r.OK {
			total.OK = false
			total.Inconsistencies = append(total.Inconsistencies, r.Inconsistencies...)
		}
	}
	return total, nil
}
