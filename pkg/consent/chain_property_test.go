//go:build property

package consent

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Run with: go test -tags property ./pkg/consent

func TestChainProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	actions := []Action{ActionOptIn, ActionOptOut, ActionWithdraw, ActionGrantPartial, ActionDSRRequest}
	scopes := []string{"location", "browsing", "all", ""}

	properties.Property("every append sequence yields a verifiable chain", prop.ForAll(
		func(codes []int) bool {
			ledger := NewLedger(NewMemoryStore(), WithClock(stepClock(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))))
			ctx := context.Background()
			for _, c := range codes {
				draft := Draft{
					UserID: fmt.Sprintf("u%d", c%3),
					Action: actions[(c/3)%len(actions)],
					Scope:  scopes[(c/15)%len(scopes)],
				}
				if _, err := ledger.Record(ctx, draft); err != nil {
					return false
				}
			}
			report, err := ledger.Verify(ctx, "")
			if err != nil {
				return false
			}
			return report.OK && report.EventsChecked == len(codes)
		},
		gen.SliceOf(gen.IntRange(0, 59)),
	))

	properties.Property("global opt_out with no later grant always denies", prop.ForAll(
		func(codes []int) bool {
			ledger := NewLedger(NewMemoryStore(), WithClock(stepClock(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))))
			ctx := context.Background()
			for _, c := range codes {
				draft := Draft{
					UserID: "u0",
					Action: actions[c%len(actions)],
					Scope:  scopes[(c/5)%len(scopes)],
				}
				if _, err := ledger.Record(ctx, draft); err != nil {
					return false
				}
			}
			if _, err := ledger.Record(ctx, Draft{UserID: "u0", Action: ActionOptOut, Scope: ScopeAll, Purpose: PurposeAll}); err != nil {
				return false
			}
			v := NewValidator(ledger, nil)
			for _, scope := range []string{"location", "browsing", "health"} {
				d, err := v.IsAllowed(ctx, "u0", scope, "analytics")
				if err != nil || d.Allowed {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 19)),
	))

	properties.TestingRun(t)
}
