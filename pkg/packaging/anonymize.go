package packaging

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/netip"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MacroAcon/Tavren-sub000/pkg/crypto"
)

// Record is one semi-structured content item, as delivered by a
// RecordSource and carried inside a package.
type Record map[string]any

// Anonymizer applies the tiered content transforms. Stable pseudonyms are
// truncated HMAC-SHA256 values under a key derived from the server secret,
// so equal identifiers map to equal aliases across packages without the raw
// value ever appearing in content.
type Anonymizer struct {
	key  []byte
	rand io.Reader
}

// AnonymizerOption configures an Anonymizer.
type AnonymizerOption func(*Anonymizer)

// WithRandom overrides the randomness source used for unlinkable rewrites.
func WithRandom(r io.Reader) AnonymizerOption {
	return func(a *Anonymizer) { a.rand = r }
}

// NewAnonymizer derives the pseudonym key from the server data secret.
func NewAnonymizer(secret string, opts ...AnonymizerOption) *Anonymizer {
	a := &Anonymizer{
		key:  crypto.DeriveKey(secret, crypto.SaltPseudonym),
		rand: rand.Reader,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

var levelRank = map[string]int{
	LevelMinimal:            0,
	LevelModerate:           1,
	LevelStrongLongitudinal: 2,
	LevelStrong:             3,
}

func atLeast(level, floor string) bool { return levelRank[level] >= levelRank[floor] }

// Apply transforms records for the given anonymization level and returns
// fresh copies; inputs are never mutated. Transforms are cumulative: each
// level applies everything the weaker levels do, plus its own.
//
//   - minimal: user_id and device_id become stable pseudonyms, email
//     localparts are masked to their first character, IPv4 addresses lose
//     their last two octets (IPv6 or malformed values become "0.0.0.0").
//   - moderate: timestamps fall to hour precision, coordinates to two
//     decimals, health measurements to integers, currency amounts to the
//     nearest ten.
//   - strong_with_longitudinal: timestamps fall to day precision,
//     coordinates to one decimal, ages and currency amounts become bucket
//     labels, session ids are rewritten through a per-package map so a
//     user's sequences stay linkable inside this package only.
//   - strong: session ids and user ids are replaced with fresh random
//     values per record, breaking longitudinal linkability.
//
// Timestamp values that do not parse are left untouched.
func (a *Anonymizer) Apply(level string, records []Record) ([]Record, error) {
	if _, ok := levelRank[level]; !ok {
		return nil, fmt.Errorf("packaging: unknown anonymization level %q", level)
	}
	run := &anonRun{a: a, level: level, sessions: make(map[string]string)}
	out := make([]Record, 0, len(records))
	for _, rec := range records {
		out = append(out, run.record(rec))
	}
	if run.err != nil {
		return nil, run.err
	}
	return out, nil
}

// anonRun carries the per-call state: the session rewrite map and the first
// randomness failure, so Apply stays safe for concurrent use.
type anonRun struct {
	a        *Anonymizer
	level    string
	sessions map[string]string
	user     string
	err      error
}

func (r *anonRun) record(rec Record) Record {
	r.user, _ = rec["user_id"].(string)
	out := make(Record, len(rec))
	for key, val := range rec {
		out[key] = r.transform(key, val)
	}
	return out
}

func (r *anonRun) transform(key string, val any) any {
	switch classify(key) {
	case classIdentifier:
		if r.level == LevelStrong && key == "user_id" {
			return "anon_" + r.randomHex(6)
		}
		return r.a.pseudonym(stringValue(val))

	case classEmail:
		return maskEmail(stringValue(val))

	case classIP:
		return truncateIP(stringValue(val))

	case classTimestamp:
		ts, ok := parseTimestamp(val)
		if !ok || !atLeast(r.level, LevelModerate) {
			return val
		}
		if atLeast(r.level, LevelStrongLongitudinal) {
			return ts.Format("2006-01-02")
		}
		return ts.Truncate(time.Hour).Format(time.RFC3339)

	case classLatitude, classLongitude:
		v, ok := numeric(val)
		if !ok || !atLeast(r.level, LevelModerate) {
			return val
		}
		if atLeast(r.level, LevelStrongLongitudinal) {
			return roundTo(v, 1)
		}
		return roundTo(v, 2)

	case classSession:
		if !atLeast(r.level, LevelStrongLongitudinal) {
			return val
		}
		if r.level == LevelStrong {
			return r.randomHex(8)
		}
		mapKey := r.user + "\x00" + stringValue(val)
		rewritten, ok := r.sessions[mapKey]
		if !ok {
			rewritten = r.randomHex(8)
			r.sessions[mapKey] = rewritten
		}
		return rewritten

	case classAge:
		v, ok := numeric(val)
		if !ok || !atLeast(r.level, LevelStrongLongitudinal) {
			return val
		}
		return ageBucket(v)

	case classCurrency:
		v, ok := numeric(val)
		if !ok || !atLeast(r.level, LevelModerate) {
			return val
		}
		if atLeast(r.level, LevelStrongLongitudinal) {
			return currencyBucket(v)
		}
		return math.Round(v/10) * 10

	case classMeasurement:
		v, ok := numeric(val)
		if !ok || !atLeast(r.level, LevelModerate) {
			return val
		}
		return math.Round(v)
	}
	return val
}

func (r *anonRun) randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.a.rand, buf); err != nil {
		if r.err == nil {
			r.err = fmt.Errorf("packaging: randomness unavailable: %w", err)
		}
		return ""
	}
	return hex.EncodeToString(buf)
}

// pseudonym returns the stable 16-hex-character alias for an identifier.
func (a *Anonymizer) pseudonym(value string) string {
	mac := hmac.New(sha256.New, a.key)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))[:16]
}

type fieldClass int

const (
	classOther fieldClass = iota
	classIdentifier
	classEmail
	classIP
	classTimestamp
	classLatitude
	classLongitude
	classSession
	classAge
	classCurrency
	classMeasurement
)

// classify maps a record key to its transform class by name, so the
// anonymizer works on any record shape without a schema.
func classify(key string) fieldClass {
	switch key {
	case "user_id", "device_id":
		return classIdentifier
	case "email":
		return classEmail
	case "ip", "ip_address", "client_ip":
		return classIP
	case "timestamp":
		return classTimestamp
	case "latitude", "lat":
		return classLatitude
	case "longitude", "lon", "lng":
		return classLongitude
	case "session_id":
		return classSession
	case "age":
		return classAge
	case "amount", "price", "total":
		return classCurrency
	case "heart_rate", "steps", "sleep_hours", "calories", "weight", "value":
		return classMeasurement
	}
	switch {
	case strings.HasSuffix(key, "_email"):
		return classEmail
	case strings.HasSuffix(key, "_ip"):
		return classIP
	case strings.HasSuffix(key, "_at") || strings.HasSuffix(key, "_time"):
		return classTimestamp
	}
	return classOther
}

func stringValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case string:
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

// maskEmail keeps the first localpart character and the domain.
func maskEmail(s string) string {
	at := strings.IndexByte(s, '@')
	if at <= 0 {
		return "***"
	}
	first, _ := utf8.DecodeRuneInString(s[:at])
	return string(first) + "***" + s[at:]
}

// truncateIP zeroes the last two octets of an IPv4 address. IPv6 and
// unparseable values collapse to "0.0.0.0".
func truncateIP(s string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil || !addr.Is4() {
		return "0.0.0.0"
	}
	b := addr.As4()
	return fmt.Sprintf("%d.%d.0.0", b[0], b[1])
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func currencyBucket(v float64) string {
	switch {
	case v < 100:
		return "<100"
	case v < 500:
		return "100-500"
	case v < 1000:
		return "500-1000"
	default:
		return ">1000"
	}
}

func ageBucket(v float64) string {
	if v < 0 {
		v = 0
	}
	lo := int(v/10) * 10
	return fmt.Sprintf("%d-%d", lo, lo+9)
}
