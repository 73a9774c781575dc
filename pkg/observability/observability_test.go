package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsOptIn(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, "tavren-core", config.ServiceName)
	assert.Equal(t, "localhost:4317", config.OTLPEndpoint)
	assert.Equal(t, 1.0, config.SampleRate)
	assert.False(t, config.Enabled, "telemetry must be opt-in")
}

func TestDisabledProviderIsNoOp(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, &Config{Enabled: false})
	require.NoError(t, err)

	// With no instruments initialized, recording must be a silent no-op.
	p.ConsentDecision(ctx, true, "active_consent")
	p.ConsentDecision(ctx, false, "consent_revoked")
	p.LedgerAppend(ctx, "opt_in")
	p.PackageIssued(ctx, "high")
	p.InsightRun(ctx, "differential_privacy", "success")
	p.LimiterDenial(ctx, "insight_queries")
	p.RecordError(ctx, errors.New("boom"))

	opCtx, done := p.TrackOperation(ctx, "consent.record")
	require.NotNil(t, opCtx)
	done(errors.New("boom"))

	require.NoError(t, p.Shutdown(ctx))
}

func TestEnabledProviderInitializes(t *testing.T) {
	// Exporter construction is lazy, so init succeeds without a collector.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	config := DefaultConfig()
	config.Enabled = true
	config.Insecure = true
	p, err := New(ctx, config)
	require.NoError(t, err)

	p.LedgerAppend(ctx, "opt_in")
	p.InsightRun(ctx, "smpc", "forbidden")

	// Shutdown flush fails against the absent collector but must not hang
	// past the context deadline or surface the transport error.
	require.NoError(t, p.Shutdown(ctx))
}
