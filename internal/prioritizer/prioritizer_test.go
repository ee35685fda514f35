package prioritizer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/internal/completion"
	"autopilot/internal/logging"
	"autopilot/internal/models"
	"autopilot/internal/signals"
)

var now = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

func rec(id string, mutate ...func(*models.Recommendation)) models.Recommendation {
	r := models.Recommendation{
		ID: id, Tenant: "acme", Source: "ads", Priority: models.PriorityMedium,
		Body: "body " + id, Confidence: 0.5, Effort: models.EffortMedium, CreatedAt: now,
	}
	for _, m := range mutate {
		m(&r)
	}
	return r
}

func TestBaseScore(t *testing.T) {
	tests := []struct {
		name string
		rec  models.Recommendation
		want float64
	}{
		{name: "medium defaults", rec: rec("a"), want: 0.4*0.6 + 0.3*0.5 + 0.15*0.6},
		{name: "high strategic low effort", rec: rec("b", func(r *models.Recommendation) {
			r.Priority, r.Confidence, r.Effort, r.Strategic = models.PriorityHigh, 0.8, models.EffortLow, true
		}), want: 0.4 + 0.24 + 0.15 + 0.1},
		{name: "recency boost is capped", rec: rec("c", func(r *models.Recommendation) {
			r.CreatedAt = now.Add(-60 * 24 * time.Hour)
		}), want: 0.4*0.6 + 0.3*0.5 + 0.15*0.6 + 0.1},
		{name: "five days old", rec: rec("d", func(r *models.Recommendation) {
			r.CreatedAt = now.Add(-5 * 24 * time.Hour)
		}), want: 0.4*0.6 + 0.3*0.5 + 0.15*0.6 + 0.05},
		{name: "clamped to one", rec: rec("e", func(r *models.Recommendation) {
			r.Priority, r.Confidence, r.Effort, r.Strategic = models.PriorityHigh, 1, models.EffortLow, true
			r.CreatedAt = now.Add(-30 * 24 * time.Hour)
		}), want: 1},
		{name: "unknown buckets fall back", rec: rec("f", func(r *models.Recommendation) {
			r.Priority, r.Effort, r.Confidence = "urgent", "", 0
		}), want: 0.4*0.3 + 0.15*0.6},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, BaseScore(tt.rec, now), 1e-4)
		})
	}
}

func TestScore_TotalOrder(t *testing.T) {
	older := now.Add(-time.Minute)
	recs := []models.Recommendation{
		rec("b", func(r *models.Recommendation) { r.CreatedAt = older }),
		rec("a", func(r *models.Recommendation) { r.CreatedAt = older }),
		rec("c", func(r *models.Recommendation) { r.Priority = models.PriorityHigh }),
	}
	got := Score(recs, now)
	ids := []string{got[0].Rec.ID, got[1].Rec.ID, got[2].Rec.ID}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestClampDelta(t *testing.T) {
	assert.Equal(t, 2, ClampDelta(5))
	assert.Equal(t, -2, ClampDelta(-9))
	assert.Equal(t, 1, ClampDelta(1.4))
	assert.Equal(t, 0, ClampDelta(0))
}

func TestRank_AdjustmentReorders(t *testing.T) {
	scored := []Scored{
		{Rec: rec("a"), Base: 0.9},
		{Rec: rec("b"), Base: 0.85},
	}
	out := Rank(scored, map[string]Adjustment{
		"a": {ID: "a", Delta: -2},
		"b": {ID: "b", Delta: 2},
	}, 0.05, 0.2)

	require.Len(t, out, 2)
	assert.Equal(t, "b", out[0].RecommendationID)
	assert.Equal(t, 1, out[0].Rank)
	assert.InDelta(t, 0.95, out[0].FinalScore, 1e-9)
	assert.Equal(t, "a", out[1].RecommendationID)
	assert.Equal(t, 2, out[1].Rank)
	assert.InDelta(t, 0.8, out[1].FinalScore, 1e-9)
}

func TestRank_ClampsOutOfRangeDelta(t *testing.T) {
	out := Rank([]Scored{{Rec: rec("a"), Base: 0.5}}, map[string]Adjustment{"a": {ID: "a", Delta: 5}}, 0.05, 0.2)
	require.Len(t, out, 1)
	assert.Equal(t, 2, out[0].Delta)
	assert.InDelta(t, 0.6, out[0].FinalScore, 1e-9)
}

func TestRank_DropGateAndDenseRanks(t *testing.T) {
	scored := []Scored{
		{Rec: rec("a"), Base: 0.7},
		{Rec: rec("b"), Base: 0.6},
		{Rec: rec("c"), Base: 0.5},
		{Rec: rec("d"), Base: 0.25},
		{Rec: rec("e"), Base: 0.1},
	}
	out := Rank(scored, map[string]Adjustment{
		"b": {ID: "b", Drop: true, Reasoning: "duplicate"},
		"d": {ID: "d", Delta: -2}, // 0.15 < 0.2
		"e": {ID: "e", Delta: 2},  // 0.2 is not below the threshold
	}, 0.05, 0.2)

	byID := map[string]models.Ranking{}
	for _, r := range out {
		byID[r.RecommendationID] = r
	}
	assert.Equal(t, models.DroppedRank, byID["b"].Rank)
	assert.Equal(t, "claude_drop", byID["b"].DropReason)
	assert.Equal(t, models.DroppedRank, byID["d"].Rank)
	assert.Equal(t, models.DropReasonBelowThreshold, byID["d"].DropReason)

	var ranks []int
	prev := 2.0
	for _, r := range out {
		if r.Rank == models.DroppedRank {
			continue
		}
		assert.LessOrEqual(t, r.FinalScore, prev)
		prev = r.FinalScore
		ranks = append(ranks, r.Rank)
	}
	assert.Equal(t, []int{1, 2, 3}, ranks)
	assert.Equal(t, 3, byID["e"].Rank)
}

func TestRank_IgnoresInventedIDsAndBadEffort(t *testing.T) {
	out := Rank([]Scored{{Rec: rec("a"), Base: 0.5}}, map[string]Adjustment{
		"a":     {ID: "a", Effort: "enormous"},
		"ghost": {ID: "ghost", Delta: 2},
	}, 0.05, 0.2)
	require.Len(t, out, 1)
	assert.Equal(t, models.EffortMedium, out[0].Effort)
}

func TestParseAdjustments(t *testing.T) {
	got, err := ParseAdjustments("```json\n{\"adjustments\":[{\"id\":\"a\",\"delta\":5,\"effort\":\"low\",\"drop\":true}]}\n```")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 5.0, got[0].Delta)
	assert.True(t, got[0].Drop)

	_, err = ParseAdjustments("sorry, I can't")
	assert.Error(t, err)
}

type fakeStore struct {
	recs    []models.Recommendation
	saved   []models.Ranking
	saveErr error
}

func (f *fakeStore) UnrankedRecommendations(context.Context, string) ([]models.Recommendation, error) {
	return f.recs, nil
}

func (f *fakeStore) SaveRankings(_ context.Context, _ string, r []models.Ranking) (int, error) {
	if f.saveErr != nil {
		return 0, f.saveErr
	}
	f.saved = append(f.saved, r...)
	return len(r), nil
}

type fakeAdjuster struct {
	out        []Adjustment
	err        error
	gotContext string
	gotScoredN int
}

func (f *fakeAdjuster) Adjust(_ context.Context, _ string, scored []Scored, signalContext string) ([]Adjustment, error) {
	f.gotContext, f.gotScoredN = signalContext, len(scored)
	return f.out, f.err
}

type fakeSignals struct {
	ctx     signals.Context
	applied map[string][]string
}

func (f *fakeSignals) BuildContext(context.Context, []string) (signals.Context, error) {
	return f.ctx, nil
}

func (f *fakeSignals) RecordApplied(_ context.Context, _, recID string, ids []string) error {
	if f.applied == nil {
		f.applied = map[string][]string{}
	}
	f.applied[recID] = ids
	return nil
}

type fakeEmitter struct{ events []models.Event }

func (f *fakeEmitter) Emit(_ context.Context, ev models.Event) (bool, error) {
	f.events = append(f.events, ev)
	return true, nil
}

func newPrioritizer(st Store, sig SignalSource, adj Adjuster, em *fakeEmitter) *Prioritizer {
	p := New(st, sig, adj, em, Options{}, logging.Discard())
	p.now = func() time.Time { return now }
	return p
}

func TestRun_WithModel(t *testing.T) {
	st := &fakeStore{recs: []models.Recommendation{
		rec("a", func(r *models.Recommendation) { r.Priority = models.PriorityHigh }),
		rec("b"),
		rec("c", func(r *models.Recommendation) { r.Source = "news" }),
	}}
	adj := &fakeAdjuster{out: []Adjustment{
		{ID: "b", Delta: 2, Reasoning: "cheap win"},
		{ID: "c", Drop: true},
		{ID: "zzz", Delta: -2},
	}}
	sig := &fakeSignals{ctx: signals.Context{Text: "- [ads] pause <name>\n", Used: map[string][]string{"ads": {"s1"}}}}
	em := &fakeEmitter{}

	res, err := newPrioritizer(st, sig, adj, em).Run(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, Result{Ranked: 2, Dropped: 1}, res)
	assert.Equal(t, "- [ads] pause <name>\n", adj.gotContext)
	assert.Equal(t, 3, adj.gotScoredN)
	require.Len(t, st.saved, 3)

	require.Len(t, em.events, 1)
	assert.Equal(t, models.EventRecommendationDropped, em.events[0].Type)
	assert.Equal(t, "c", em.events[0].DedupeKey)

	assert.Equal(t, map[string][]string{"a": {"s1"}, "b": {"s1"}}, sig.applied)
}

func TestRun_FallsBackWhenModelFails(t *testing.T) {
	for _, err := range []error{completion.ErrUnavailable, errors.New("timeout")} {
		st := &fakeStore{recs: []models.Recommendation{rec("a"), rec("b", func(r *models.Recommendation) { r.Priority = models.PriorityHigh })}}
		res, runErr := newPrioritizer(st, nil, &fakeAdjuster{err: err}, &fakeEmitter{}).Run(context.Background(), "acme")
		require.NoError(t, runErr)
		assert.True(t, res.Fallback)
		require.Len(t, st.saved, 2)
		assert.Equal(t, "b", st.saved[0].RecommendationID)
		assert.Equal(t, 1, st.saved[0].Rank)
		for _, r := range st.saved {
			assert.Zero(t, r.Delta)
			assert.Equal(t, r.BaseScore, r.FinalScore)
		}
	}
}

func TestRun_NothingToRank(t *testing.T) {
	st := &fakeStore{}
	adj := &fakeAdjuster{}
	res, err := newPrioritizer(st, nil, adj, nil).Run(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Zero(t, adj.gotScoredN)
}

func TestRun_SaveConflictAbortsBatch(t *testing.T) {
	conflict := errors.New("ranking conflict")
	st := &fakeStore{
		recs:    []models.Recommendation{rec("a"), rec("b")},
		saveErr: conflict,
	}
	adj := &fakeAdjuster{out: []Adjustment{{ID: "b", Drop: true}}}
	sig := &fakeSignals{ctx: signals.Context{Used: map[string][]string{"ads": {"s1"}}}}
	em := &fakeEmitter{}

	_, err := newPrioritizer(st, sig, adj, em).Run(context.Background(), "acme")
	require.ErrorIs(t, err, conflict)
	assert.Empty(t, st.saved)
	assert.Empty(t, em.events, "no drop events for a batch that was not saved")
	assert.Empty(t, sig.applied)
}
