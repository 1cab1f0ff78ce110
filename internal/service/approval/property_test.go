package approval

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/regreport/eclbatch/internal/domain"
	"github.com/regreport/eclbatch/internal/repo/memory"
)

var propertyDates = []domain.BusinessDate{"2024-01-31", "2024-02-29", "2024-03-31"}

const (
	opApprove = iota
	opRevoke
	opRerun
)

// Property: after any mix of approvals, revocations and pipeline reruns every
// date has at most one approved run, and it is the run approved last unless
// that run was since revoked or rerun.
func TestApprovalUniquenessProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("at most one approved run per date", prop.ForAll(
		func(keys []int, ops []int, dates []int) bool {
			store := memory.New()
			for k := 1; k <= 9; k++ {
				store.PutRun(domain.RunRecord{
					RunKey: int64(k),
					Date:   propertyDates[k%len(propertyDates)],
					Status: domain.RunStatusSuccess,
				})
			}
			svc := New(store, store, slog.New(slog.NewTextHandler(io.Discard, nil)))
			ctx := context.Background()
			expected := map[domain.BusinessDate]int64{}
			forget := func(key int64) {
				for date, k := range expected {
					if k == key {
						delete(expected, date)
					}
				}
			}

			for i := 0; i < len(keys) && i < len(ops) && i < len(dates); i++ {
				key := int64(keys[i])
				switch ops[i] {
				case opApprove, opRevoke:
					approved := ops[i] == opApprove
					rec, err := svc.SetApproval(ctx, key, approved, AuditInfo{Actor: "prop"})
					if err != nil || rec.Approved != approved {
						return false
					}
					forget(key)
					if approved {
						expected[rec.Date] = key
					}
				case opRerun:
					date := propertyDates[dates[i]]
					if store.UpsertRunStatus(ctx, key, date, domain.RunStatusRunning) != nil ||
						store.UpsertRunStatus(ctx, key, date, domain.RunStatusSuccess) != nil {
						return false
					}
					forget(key)
				}

				for _, date := range propertyDates {
					runs, _ := store.ListRunsByDate(ctx, date)
					approved := 0
					for _, r := range runs {
						if r.Approved {
							approved++
						}
					}
					want, ok := expected[date]
					if approved > 1 || (approved == 1) != ok {
						return false
					}
					if ok {
						latest, err := svc.LatestApproved(ctx, date)
						if err != nil || latest.RunKey != want {
							return false
						}
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(1, 9)),
		gen.SliceOf(gen.IntRange(opApprove, opRerun)),
		gen.SliceOf(gen.IntRange(0, len(propertyDates)-1)),
	))

	properties.TestingRun(t)
}
