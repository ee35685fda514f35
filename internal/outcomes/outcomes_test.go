package outcomes

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/internal/logging"
	"autopilot/internal/models"
)

var now = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

type fakeStore struct {
	recs      []models.Recommendation
	snapshots []models.MetricSnapshot
	outcomes  map[string]models.Outcome
	cutoff    time.Time
	emitter   *fakeEmitter
}

func (f *fakeStore) RecommendationsAwaitingOutcome(_ context.Context, _ string, cutoff time.Time, _ int) ([]models.Recommendation, error) {
	f.cutoff = cutoff
	var out []models.Recommendation
	for _, r := range f.recs {
		if _, done := f.outcomes[r.ID]; !done && !r.CreatedAt.After(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) pick(metric string, keep func(time.Time) bool) *models.MetricSnapshot {
	var best *models.MetricSnapshot
	for i := range f.snapshots {
		s := f.snapshots[i]
		if s.Metric != metric || !keep(s.CapturedAt) {
			continue
		}
		if best == nil || s.CapturedAt.After(best.CapturedAt) {
			best = &s
		}
	}
	return best
}

func (f *fakeStore) SnapshotAtOrBefore(_ context.Context, _, metric string, t time.Time) (*models.MetricSnapshot, error) {
	return f.pick(metric, func(at time.Time) bool { return !at.After(t) }), nil
}

func (f *fakeStore) SnapshotAtOrAfter(_ context.Context, _, metric string, t time.Time) (*models.MetricSnapshot, error) {
	return f.pick(metric, func(at time.Time) bool { return !at.Before(t) }), nil
}

func (f *fakeStore) InsertOutcome(_ context.Context, o *models.Outcome) (bool, error) {
	if _, ok := f.outcomes[o.RecommendationID]; ok {
		return false, nil
	}
	f.outcomes[o.RecommendationID] = *o
	return true, nil
}

func (f *fakeStore) UnannouncedOutcomes(_ context.Context, _ string, _ int) ([]models.Outcome, error) {
	var out []models.Outcome
	for id, o := range f.outcomes {
		if f.emitter == nil || !f.emitter.has(models.EventOutcomeMeasured, id) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecommendationID < out[j].RecommendationID })
	return out, nil
}

// fakeEmitter keeps one event per (type, dedupe key). failures makes the next
// n calls fail.
type fakeEmitter struct {
	events   []models.Event
	failures int
}

func (f *fakeEmitter) has(eventType, key string) bool {
	for _, e := range f.events {
		if e.Type == eventType && e.DedupeKey == key {
			return true
		}
	}
	return false
}

func (f *fakeEmitter) Emit(_ context.Context, ev models.Event) (bool, error) {
	if f.failures > 0 {
		f.failures--
		return false, errors.New("connection reset")
	}
	if f.has(ev.Type, ev.DedupeKey) {
		return false, nil
	}
	f.events = append(f.events, ev)
	return true, nil
}

const day = 24 * time.Hour

func newMeasurer(st *fakeStore, em *fakeEmitter) *Measurer {
	st.emitter = em
	m := NewMeasurer(st, em, 14*day, logging.Discard())
	m.now = func() time.Time { return now }
	return m
}

func TestMeasure_WritesOutcomeAndEvent(t *testing.T) {
	created := now.Add(-20 * day)
	st := &fakeStore{
		recs: []models.Recommendation{{ID: "r1", Tenant: "acme", CreatedAt: created, Data: map[string]any{"metric": "clicks"}}},
		snapshots: []models.MetricSnapshot{
			{Metric: "clicks", Value: 90, CapturedAt: created.Add(-2 * day)},
			{Metric: "clicks", Value: 100, CapturedAt: created.Add(-day)},
			{Metric: "clicks", Value: 130, CapturedAt: created.Add(15 * day)},
			{Metric: "clicks", Value: 140, CapturedAt: created.Add(19 * day)},
		},
		outcomes: map[string]models.Outcome{},
	}
	em := &fakeEmitter{}

	res, err := newMeasurer(st, em).Measure(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, Result{Measured: 1}, res)
	assert.Equal(t, now.Add(-14*day), st.cutoff)

	o := st.outcomes["r1"]
	assert.Equal(t, 100.0, o.Before)
	assert.Equal(t, 140.0, o.After)
	assert.Equal(t, 40.0, o.Delta)
	assert.True(t, o.Positive)

	require.Len(t, em.events, 1)
	assert.Equal(t, models.EventOutcomeMeasured, em.events[0].Type)
	assert.Equal(t, "r1", em.events[0].DedupeKey)
	assert.Equal(t, true, em.events[0].Payload["positive"])
}

func TestMeasure_NeverFabricates(t *testing.T) {
	created := now.Add(-20 * day)
	tests := []struct {
		name      string
		snapshots []models.MetricSnapshot
		data      map[string]any
	}{
		{name: "no snapshots", data: map[string]any{"metric": "clicks"}},
		{name: "only before", data: map[string]any{"metric": "clicks"}, snapshots: []models.MetricSnapshot{
			{Metric: "clicks", Value: 1, CapturedAt: created.Add(-day)},
		}},
		{name: "after too early", data: map[string]any{"metric": "clicks"}, snapshots: []models.MetricSnapshot{
			{Metric: "clicks", Value: 1, CapturedAt: created.Add(-day)},
			{Metric: "clicks", Value: 5, CapturedAt: created.Add(3 * day)},
		}},
		{name: "no metric tracked", snapshots: []models.MetricSnapshot{
			{Metric: "clicks", Value: 1, CapturedAt: created.Add(-day)},
			{Metric: "clicks", Value: 5, CapturedAt: created.Add(15 * day)},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &fakeStore{
				recs:      []models.Recommendation{{ID: "r1", Tenant: "acme", CreatedAt: created, Data: tt.data}},
				snapshots: tt.snapshots,
				outcomes:  map[string]models.Outcome{},
			}
			em := &fakeEmitter{}
			res, err := newMeasurer(st, em).Measure(context.Background(), "acme")
			require.NoError(t, err)
			assert.Equal(t, Result{Skipped: 1}, res)
			assert.Empty(t, st.outcomes)
			assert.Empty(t, em.events)
		})
	}
}

func TestMeasure_TooYoungIsNotConsidered(t *testing.T) {
	st := &fakeStore{
		recs:     []models.Recommendation{{ID: "r1", Tenant: "acme", CreatedAt: now.Add(-3 * day), Data: map[string]any{"metric": "clicks"}}},
		outcomes: map[string]models.Outcome{},
	}
	res, err := newMeasurer(st, &fakeEmitter{}).Measure(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestMeasure_AnnouncesOutcomeAfterEmitFailure(t *testing.T) {
	created := now.Add(-20 * day)
	st := &fakeStore{
		recs: []models.Recommendation{{ID: "r1", Tenant: "acme", CreatedAt: created, Data: map[string]any{
			"metric": "churn", "metric_direction": "down",
		}}},
		snapshots: []models.MetricSnapshot{
			{Metric: "churn", Value: 8, CapturedAt: created.Add(-day)},
			{Metric: "churn", Value: 5, CapturedAt: created.Add(15 * day)},
		},
		outcomes: map[string]models.Outcome{},
	}
	em := &fakeEmitter{failures: 1}
	m := newMeasurer(st, em)

	_, err := m.Measure(context.Background(), "acme")
	require.Error(t, err)
	require.Contains(t, st.outcomes, "r1")
	assert.Empty(t, em.events)

	res, err := m.Measure(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, Result{Reannounced: 1}, res)
	require.Len(t, em.events, 1)
	assert.Equal(t, models.EventOutcomeMeasured, em.events[0].Type)
	assert.Equal(t, "r1", em.events[0].DedupeKey)
	assert.Equal(t, -3.0, em.events[0].Payload["delta"])
	assert.Equal(t, true, em.events[0].Payload["positive"])

	res, err = m.Measure(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
	assert.Len(t, em.events, 1)
}

func TestPositive(t *testing.T) {
	assert.True(t, Positive(3, nil))
	assert.False(t, Positive(0, nil))
	assert.False(t, Positive(-1, "up"))
	assert.True(t, Positive(-1, "down"))
	assert.False(t, Positive(2, "down"))
}
