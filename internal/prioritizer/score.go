package prioritizer

import (
	"math"
	"sort"
	"time"

	"autopilot/internal/models"
)

// Base score weights. With the recency boost the sum can pass 1; the result is clamped.
const (
	weightPriority   = 0.4
	weightConfidence = 0.3
	weightEffort     = 0.15
	weightStrategic  = 0.1
	recencyPerDay    = 0.01
	recencyMax       = 0.1

	MaxDelta = 2
	MinDelta = -2
)

var priorityWeight = map[string]float64{
	models.PriorityHigh:   1.0,
	models.PriorityMedium: 0.6,
	models.PriorityLow:    0.3,
}

var effortWeight = map[string]float64{
	models.EffortLow:    1.0,
	models.EffortMedium: 0.6,
	models.EffortHigh:   0.3,
}

// Scored is a recommendation with its deterministic base score.
type Scored struct {
	Rec  models.Recommendation
	Base float64
}

// BaseScore is the deterministic score of rec at now, in [0, 1]. Older pending items get a
// small boost so they are not starved.
func BaseScore(rec models.Recommendation, now time.Time) float64 {
	pw, ok := priorityWeight[rec.Priority]
	if !ok {
		pw = priorityWeight[models.PriorityLow]
	}
	ew, ok := effortWeight[rec.Effort]
	if !ok {
		ew = effortWeight[models.EffortMedium]
	}
	score := weightPriority*pw + weightConfidence*clamp(rec.Confidence, 0, 1) + weightEffort*ew
	if rec.Strategic {
		score += weightStrategic
	}
	if age := now.Sub(rec.CreatedAt); age > 0 {
		score += math.Min(age.Hours()/24*recencyPerDay, recencyMax)
	}
	return round4(clamp(score, 0, 1))
}

// Score computes base scores and returns them in their total order: score descending, then
// oldest first, then id.
func Score(recs []models.Recommendation, now time.Time) []Scored {
	out := make([]Scored, len(recs))
	for i, r := range recs {
		out[i] = Scored{Rec: r, Base: BaseScore(r, now)}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return less(out[i].Base, out[j].Base, out[i].Rec, out[j].Rec)
	})
	return out
}

func less(si, sj float64, ri, rj models.Recommendation) bool {
	if si != sj {
		return si > sj
	}
	if !ri.CreatedAt.Equal(rj.CreatedAt) {
		return ri.CreatedAt.Before(rj.CreatedAt)
	}
	return ri.ID < rj.ID
}

// ClampDelta bounds a model-suggested delta to [MinDelta, MaxDelta], rounding to the
// nearest step.
func ClampDelta(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	return int(clamp(math.Round(v), MinDelta, MaxDelta))
}

// Rank applies adjustments, runs the drop gate and assigns dense ranks from 1 by final
// score. Dropped items get models.DroppedRank. Adjustments for ids not in scored are ignored.
func Rank(scored []Scored, adjustments map[string]Adjustment, step, threshold float64) []models.Ranking {
	type final struct {
		ranking models.Ranking
		rec     models.Recommendation
	}
	kept := make([]final, 0, len(scored))
	var dropped []models.Ranking

	for _, s := range scored {
		adj := adjustments[s.Rec.ID]
		delta := ClampDelta(adj.Delta)
		effort := s.Rec.Effort
		if _, ok := effortWeight[adj.Effort]; ok {
			effort = adj.Effort
		}
		r := models.Ranking{
			RecommendationID: s.Rec.ID,
			BaseScore:        s.Base,
			Delta:            delta,
			FinalScore:       round4(clamp(s.Base+float64(delta)*step, 0, 1)),
			Effort:           effort,
			Reasoning:        adj.Reasoning,
		}
		switch {
		case adj.Drop:
			r.Rank, r.DropReason = models.DroppedRank, models.DropReasonModel
		case r.FinalScore < threshold:
			r.Rank, r.DropReason = models.DroppedRank, models.DropReasonBelowThreshold
		}
		if r.DropReason != "" {
			dropped = append(dropped, r)
			continue
		}
		kept = append(kept, final{ranking: r, rec: s.Rec})
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return less(kept[i].ranking.FinalScore, kept[j].ranking.FinalScore, kept[i].rec, kept[j].rec)
	})
	out := make([]models.Ranking, 0, len(scored))
	for i := range kept {
		kept[i].ranking.Rank = i + 1
		out = append(out, kept[i].ranking)
	}
	return append(out, dropped...)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
