package signals

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/internal/logging"
	"autopilot/internal/models"
	"autopilot/internal/store"
)

type fakeStore struct {
	signals     []models.Signal
	stats       map[string]models.SignalStats
	applied     map[string][]string
	marked      map[string]bool
	pending     []store.PendingExtraction
	extracted   []store.ExtractParams
	decayedAt   time.Time
	decayedHalf time.Duration
}

func (f *fakeStore) SignalCandidates(_ context.Context, domain string, now time.Time, limit int) ([]models.Signal, error) {
	var out []models.Signal
	for _, s := range f.signals {
		if s.Domain == domain && s.ExpiresAt.After(now) {
			out = append(out, s)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) SignalStats(_ context.Context, ids []string) (map[string]models.SignalStats, error) {
	out := map[string]models.SignalStats{}
	for _, id := range ids {
		if st, ok := f.stats[id]; ok {
			out[id] = st
		}
	}
	return out, nil
}

func (f *fakeStore) RecordApplications(_ context.Context, _, recID string, ids []string) error {
	if f.applied == nil {
		f.applied = map[string][]string{}
	}
	f.applied[recID] = append(f.applied[recID], ids...)
	return nil
}

func (f *fakeStore) MarkApplicationOutcome(_ context.Context, _, recID string, positive bool) (int64, error) {
	if f.marked == nil {
		f.marked = map[string]bool{}
	}
	f.marked[recID] = positive
	return int64(len(f.applied[recID])), nil
}

func (f *fakeStore) OutcomesPendingExtraction(_ context.Context, recID string, _ int) ([]store.PendingExtraction, error) {
	var out []store.PendingExtraction
	for _, p := range f.pending {
		if recID == "" || p.Outcome.RecommendationID == recID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) ExtractSignal(_ context.Context, p store.ExtractParams) (bool, error) {
	for _, e := range f.extracted {
		if e.RecommendationID == p.RecommendationID {
			return false, nil
		}
	}
	f.extracted = append(f.extracted, p)
	return true, nil
}

func (f *fakeStore) DecaySignals(_ context.Context, now time.Time, halfLife time.Duration) (int64, error) {
	f.decayedAt, f.decayedHalf = now, halfLife
	return int64(len(f.signals)), nil
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newService(st Store, opts Options) *Service {
	s := NewService(st, opts, logging.Discard())
	s.now = func() time.Time { return now }
	return s
}

func sig(id, domain string, confidence, decay float64) models.Signal {
	return models.Signal{
		ID: id, Domain: domain, Pattern: "pattern " + id, Confidence: confidence, DecayWeight: decay,
		TenantCount: 2, ExpiresAt: now.Add(time.Hour),
	}
}

func TestForDomain_WeightsAndLimit(t *testing.T) {
	st := &fakeStore{
		signals: []models.Signal{
			sig("a", "ads", 0.9, 1.0),
			sig("b", "ads", 0.8, 1.0),
			sig("c", "ads", 0.7, 0.5),
			sig("d", "ads", 0.6, 1.0),
			sig("e", "news", 1.0, 1.0),
			{ID: "expired", Domain: "ads", Confidence: 1, DecayWeight: 1, ExpiresAt: now.Add(-time.Minute)},
		},
		stats: map[string]models.SignalStats{
			"a": {SignalID: "a", Measured: 4, Positive: 1}, // 0.25
			"b": {SignalID: "b", Measured: 2, Positive: 2}, // 1.0
			"d": {SignalID: "d", Measured: 3, Positive: 0}, // 0 => excluded
		},
	}
	s := newService(st, Options{Limit: 2})

	got, err := s.ForDomain(context.Background(), "ads")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	assert.InDelta(t, 0.8, got[0].Weight, 1e-9)
	assert.Equal(t, "a", got[1].ID) // 0.9*1*0.25=0.225 vs c: 0.7*0.5*0.5=0.175
	assert.InDelta(t, 0.225, got[1].Weight, 1e-9)
}

func TestBuildContext_RespectsBudget(t *testing.T) {
	st := &fakeStore{signals: []models.Signal{
		sig("a", "ads", 0.9, 1.0),
		sig("b", "ads", 0.8, 1.0),
		sig("c", "ads", 0.7, 1.0),
	}}
	one := len(formatLine(Weighted{Signal: st.signals[0], Weight: 0.45}))
	s := newService(st, Options{Limit: 5, CharBudget: one*2 + 1})

	c, err := s.BuildContext(context.Background(), []string{"ads", "ads", ""})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(c.Text), one*2+1)
	assert.Equal(t, 2, strings.Count(c.Text, "\n"))
	assert.Equal(t, []string{"a", "b"}, c.SignalIDs("ads"))
}

func TestBuildContext_SharesBudgetAcrossDomains(t *testing.T) {
	st := &fakeStore{signals: []models.Signal{
		sig("a", "ads", 0.9, 1.0),
		sig("b", "ads", 0.8, 1.0),
		sig("c", "ads", 0.7, 1.0),
		sig("d", "news", 0.6, 1.0),
		sig("e", "seo", 0.5, 1.0),
	}}
	line := len(formatLine(Weighted{Signal: st.signals[3], Weight: 0.3}))
	s := newService(st, Options{Limit: 5, CharBudget: line * 3})

	c, err := s.BuildContext(context.Background(), []string{"ads", "news", "seo"})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(c.Text), line*3)
	assert.Equal(t, []string{"a"}, c.SignalIDs("ads"))
	assert.Equal(t, []string{"d"}, c.SignalIDs("news"))
	assert.Equal(t, []string{"e"}, c.SignalIDs("seo"))
	assert.True(t, strings.HasPrefix(c.Text, "- [ads] pattern a"))
}

func TestBuildContext_NoSignals(t *testing.T) {
	s := newService(&fakeStore{}, Options{})
	c, err := s.BuildContext(context.Background(), []string{"ads"})
	require.NoError(t, err)
	assert.Empty(t, c.Text)
}

func TestExtract_IsIdempotent(t *testing.T) {
	st := &fakeStore{pending: []store.PendingExtraction{{
		Outcome: models.Outcome{Tenant: "acme", RecommendationID: "r1", Positive: true},
		Recommendation: models.Recommendation{
			ID: "r1", Tenant: "acme", Source: "ads", Priority: "high", Confidence: 1.4,
			Title: `Pause "Acme Spring Sale" campaign, CPC up 42% (see https://acme.example/report)`,
		},
	}}}
	s := newService(st, Options{TTL: 24 * time.Hour})

	n, err := s.Extract(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.Extract(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.Len(t, st.extracted, 1)
	p := st.extracted[0]
	assert.Equal(t, "ads", p.Domain)
	assert.Equal(t, 1.0, p.Confidence)
	assert.Equal(t, 24*time.Hour, p.TTL)
	assert.Equal(t, "high: pause <name> campaign, cpc up <n> (see <url>", p.Pattern)
	assert.NotContains(t, p.Pattern, "acme")
}

func TestApplyOutcomeAndDecay(t *testing.T) {
	st := &fakeStore{signals: []models.Signal{sig("a", "ads", 1, 1)}}
	s := newService(st, Options{HalfLife: 48 * time.Hour})

	require.NoError(t, s.RecordApplied(context.Background(), "acme", "r1", []string{"a"}))
	require.NoError(t, s.ApplyOutcome(context.Background(), "acme", "r1", true))
	assert.True(t, st.marked["r1"])

	n, err := s.Decay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, now, st.decayedAt)
	assert.Equal(t, 48*time.Hour, st.decayedHalf)
}

func TestPattern(t *testing.T) {
	assert.Equal(t, "", Pattern(models.Recommendation{}))
	assert.Equal(t, "refresh <n> stale keywords", Pattern(models.Recommendation{Body: "Refresh   12 stale\nkeywords"}))
}
