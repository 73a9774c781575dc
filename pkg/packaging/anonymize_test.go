package packaging

import (
	mrand "math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAnonymizer(t *testing.T) *Anonymizer {
	t.Helper()
	return NewAnonymizer("test-secret", WithRandom(mrand.New(mrand.NewSource(1))))
}

func applyOne(t *testing.T, a *Anonymizer, level string, rec Record) Record {
	t.Helper()
	out, err := a.Apply(level, []Record{rec})
	require.NoError(t, err)
	require.Len(t, out, 1)
	return out[0]
}

func TestMinimalPseudonymizesIdentifiers(t *testing.T) {
	a := testAnonymizer(t)

	out := applyOne(t, a, LevelMinimal, Record{
		"user_id":   "u-42",
		"device_id": "dev-9",
		"email":     "jane.doe@example.com",
		"ip":        "203.0.113.9",
		"timestamp": "2025-03-01T10:15:30Z",
		"app_id":    "com.example.app",
	})

	userAlias, ok := out["user_id"].(string)
	require.True(t, ok)
	assert.Len(t, userAlias, 16)
	assert.NotEqual(t, "u-42", userAlias)
	assert.NotEqual(t, out["device_id"], userAlias)

	assert.Equal(t, "j***@example.com", out["email"])
	assert.Equal(t, "203.0.0.0", out["ip"])
	assert.Equal(t, "2025-03-01T10:15:30Z", out["timestamp"], "minimal keeps timestamp precision")
	assert.Equal(t, "com.example.app", out["app_id"])

	// Pseudonyms are stable: the same identifier in another record maps to
	// the same alias.
	again := applyOne(t, a, LevelMinimal, Record{"user_id": "u-42"})
	assert.Equal(t, userAlias, again["user_id"])
}

func TestMinimalIPEdgeCases(t *testing.T) {
	a := testAnonymizer(t)

	cases := map[string]string{
		"2001:db8::1":     "0.0.0.0",
		"::ffff:10.0.0.1": "0.0.0.0",
		"not-an-ip":       "0.0.0.0",
		"10.20.30.40":     "10.20.0.0",
	}
	for in, want := range cases {
		out := applyOne(t, a, LevelMinimal, Record{"ip_address": in})
		assert.Equal(t, want, out["ip_address"], "input %q", in)
	}
}

func TestModerateGeneralizes(t *testing.T) {
	a := testAnonymizer(t)

	out := applyOne(t, a, LevelModerate, Record{
		"timestamp":  "2025-03-01T10:15:30Z",
		"latitude":   37.77493,
		"longitude":  -122.41942,
		"amount":     47.0,
		"heart_rate": 72.6,
	})

	assert.Equal(t, "2025-03-01T10:00:00Z", out["timestamp"])
	assert.Equal(t, 37.77, out["latitude"])
	assert.Equal(t, -122.42, out["longitude"])
	assert.Equal(t, 50.0, out["amount"])
	assert.Equal(t, 73.0, out["heart_rate"])
}

func TestStrongLongitudinalBucketsAndStableSessions(t *testing.T) {
	a := testAnonymizer(t)

	recs := []Record{
		{"user_id": "u1", "session_id": "sess-1", "timestamp": "2025-03-01T10:15:30Z", "latitude": 37.77, "age": 34.0, "amount": 250.0},
		{"user_id": "u1", "session_id": "sess-1", "timestamp": "2025-03-01T18:45:00Z", "latitude": 37.81, "age": 34.0, "amount": 47.0},
		{"user_id": "u2", "session_id": "sess-1", "timestamp": "2025-03-02T09:00:00Z", "latitude": 40.71, "age": 61.0, "amount": 1200.0},
	}
	out, err := a.Apply(LevelStrongLongitudinal, recs)
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, "2025-03-01", out[0]["timestamp"])
	assert.Equal(t, 37.8, out[0]["latitude"])
	assert.Equal(t, "30-39", out[0]["age"])
	assert.Equal(t, "100-500", out[0]["amount"])
	assert.Equal(t, "<100", out[1]["amount"])
	assert.Equal(t, "60-69", out[2]["age"])
	assert.Equal(t, ">1000", out[2]["amount"])

	// Same user, same original session: linkable inside the package.
	assert.Equal(t, out[0]["session_id"], out[1]["session_id"])
	assert.NotEqual(t, "sess-1", out[0]["session_id"])
	// Different user sharing a session string must not collide.
	assert.NotEqual(t, out[0]["session_id"], out[2]["session_id"])
}

func TestStrongBreaksLinkability(t *testing.T) {
	a := testAnonymizer(t)

	recs := []Record{
		{"user_id": "u1", "session_id": "sess-1", "timestamp": "2025-03-01T10:15:30Z"},
		{"user_id": "u1", "session_id": "sess-1", "timestamp": "2025-03-01T11:00:00Z"},
	}
	out, err := a.Apply(LevelStrong, recs)
	require.NoError(t, err)

	first, _ := out[0]["user_id"].(string)
	second, _ := out[1]["user_id"].(string)
	assert.True(t, strings.HasPrefix(first, "anon_"))
	assert.True(t, strings.HasPrefix(second, "anon_"))
	assert.NotEqual(t, first, second, "strong level must not link records by user")
	assert.NotEqual(t, out[0]["session_id"], out[1]["session_id"])

	// Day precision still applies: strong includes every weaker transform.
	assert.Equal(t, "2025-03-01", out[0]["timestamp"])
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	a := testAnonymizer(t)

	rec := Record{"user_id": "u1", "email": "a@b.com"}
	_, err := a.Apply(LevelStrong, []Record{rec})
	require.NoError(t, err)

	assert.Equal(t, "u1", rec["user_id"])
	assert.Equal(t, "a@b.com", rec["email"])
}

func TestApplyRejectsUnknownLevel(t *testing.T) {
	a := testAnonymizer(t)
	_, err := a.Apply("extreme", nil)
	assert.Error(t, err)
}
