package signals

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"autopilot/internal/models"
	"autopilot/internal/store"
)

// Store is the signal persistence the service needs.
type Store interface {
	SignalCandidates(ctx context.Context, domain string, now time.Time, limit int) ([]models.Signal, error)
	SignalStats(ctx context.Context, signalIDs []string) (map[string]models.SignalStats, error)
	RecordApplications(ctx context.Context, tenant, recommendationID string, signalIDs []string) error
	MarkApplicationOutcome(ctx context.Context, tenant, recommendationID string, positive bool) (int64, error)
	OutcomesPendingExtraction(ctx context.Context, recommendationID string, limit int) ([]store.PendingExtraction, error)
	ExtractSignal(ctx context.Context, p store.ExtractParams) (bool, error)
	DecaySignals(ctx context.Context, now time.Time, halfLife time.Duration) (int64, error)
}

type Options struct {
	Limit      int
	CharBudget int
	HalfLife   time.Duration
	TTL        time.Duration
}

// Service reads, records and maintains cross-tenant signals.
type Service struct {
	store  Store
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

func NewService(st Store, opts Options, logger *slog.Logger) *Service {
	if opts.Limit <= 0 {
		opts.Limit = 5
	}
	if opts.CharBudget <= 0 {
		opts.CharBudget = 1200
	}
	if opts.HalfLife <= 0 {
		opts.HalfLife = 30 * 24 * time.Hour
	}
	if opts.TTL <= 0 {
		opts.TTL = 90 * 24 * time.Hour
	}
	return &Service{store: st, opts: opts, logger: logger, now: time.Now}
}

// Weighted is a signal with its effective weight.
type Weighted struct {
	models.Signal
	PositiveRate float64
	Weight       float64
}

// positiveRate is the share of measured applications that went well; unmeasured
// signals sit at the midpoint.
func positiveRate(st models.SignalStats) float64 {
	if st.Measured == 0 {
		return 0.5
	}
	return float64(st.Positive) / float64(st.Measured)
}

// ForDomain returns up to Limit unexpired signals for domain, heaviest first, weighted by
// confidence x decay weight x positive outcome rate.
func (s *Service) ForDomain(ctx context.Context, domain string) ([]Weighted, error) {
	candidates, err := s.store.SignalCandidates(ctx, domain, s.now(), s.opts.Limit*4)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	stats, err := s.store.SignalStats(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]Weighted, 0, len(candidates))
	for _, c := range candidates {
		rate := positiveRate(stats[c.ID])
		w := Weighted{Signal: c, PositiveRate: rate, Weight: c.Confidence * c.DecayWeight * rate}
		if w.Weight <= 0 {
			continue
		}
		out = append(out, w)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > s.opts.Limit {
		out = out[:s.opts.Limit]
	}
	return out, nil
}

// Context is prompt text plus the signals that made it into the text, by domain.
type Context struct {
	Text string
	Used map[string][]string
}

// SignalIDs returns the ids of the signals included for domain.
func (c Context) SignalIDs(domain string) []string {
	return c.Used[domain]
}

// BuildContext renders signals for the given domains within the character budget.
// Domains take turns by rank so an early domain cannot use up the whole budget.
// Lines that do not fit are left out whole.
func (s *Service) BuildContext(ctx context.Context, domains []string) (Context, error) {
	out := Context{Used: make(map[string][]string)}
	seen := make(map[string]bool, len(domains))
	var order []string
	lists := make(map[string][]Weighted, len(domains))
	for _, domain := range domains {
		if domain == "" || seen[domain] {
			continue
		}
		seen[domain] = true

		weighted, err := s.ForDomain(ctx, domain)
		if err != nil {
			return Context{}, fmt.Errorf("signals for %s: %w", domain, err)
		}
		order = append(order, domain)
		lists[domain] = weighted
	}

	var b strings.Builder
	for i := 0; ; i++ {
		more := false
		for _, domain := range order {
			weighted := lists[domain]
			if i >= len(weighted) {
				continue
			}
			more = true
			line := formatLine(weighted[i])
			if b.Len()+len(line) > s.opts.CharBudget {
				continue
			}
			b.WriteString(line)
			out.Used[domain] = append(out.Used[domain], weighted[i].ID)
		}
		if !more {
			break
		}
	}
	out.Text = b.String()
	return out, nil
}

func formatLine(w Weighted) string {
	return fmt.Sprintf("- [%s] %s (weight %.2f, %d tenants)\n", w.Domain, w.Pattern, w.Weight, w.TenantCount)
}

// RecordApplied notes that signals informed a tenant's recommendation.
func (s *Service) RecordApplied(ctx context.Context, tenant, recommendationID string, signalIDs []string) error {
	return s.store.RecordApplications(ctx, tenant, recommendationID, signalIDs)
}

// ApplyOutcome back-fills outcome_positive on the recommendation's signal applications.
func (s *Service) ApplyOutcome(ctx context.Context, tenant, recommendationID string, positive bool) error {
	n, err := s.store.MarkApplicationOutcome(ctx, tenant, recommendationID, positive)
	if err != nil {
		return err
	}
	s.logger.Info("signal applications updated",
		slog.String("tenant", tenant),
		slog.String("recommendation_id", recommendationID),
		slog.Bool("positive", positive),
		slog.Int64("rows", n),
	)
	return nil
}

// Extract folds positive outcomes into signals. An empty recommendationID processes a batch.
func (s *Service) Extract(ctx context.Context, recommendationID string) (int, error) {
	pending, err := s.store.OutcomesPendingExtraction(ctx, recommendationID, 100)
	if err != nil {
		return 0, err
	}
	extracted := 0
	for _, p := range pending {
		pattern := Pattern(p.Recommendation)
		if pattern == "" {
			continue
		}
		ok, err := s.store.ExtractSignal(ctx, store.ExtractParams{
			Tenant:           p.Outcome.Tenant,
			RecommendationID: p.Outcome.RecommendationID,
			Domain:           p.Recommendation.Domain(),
			Pattern:          pattern,
			Confidence:       clamp01(p.Recommendation.Confidence),
			TTL:              s.opts.TTL,
		})
		if err != nil {
			return extracted, fmt.Errorf("extract %s: %w", p.Outcome.RecommendationID, err)
		}
		if ok {
			extracted++
		}
	}
	if extracted > 0 {
		s.logger.Info("signals extracted", slog.Int("count", extracted))
	}
	return extracted, nil
}

// Decay recomputes decay weights of all live signals.
func (s *Service) Decay(ctx context.Context) (int64, error) {
	n, err := s.store.DecaySignals(ctx, s.now(), s.opts.HalfLife)
	if err != nil {
		return 0, err
	}
	s.logger.Info("signals decayed", slog.Int64("rows", n))
	return n, nil
}

var (
	urlRe    = regexp.MustCompile(`https?://\S+`)
	emailRe  = regexp.MustCompile(`\S+@\S+\.\S+`)
	numberRe = regexp.MustCompile(`\d+([.,]\d+)*%?`)
	quotedRe = regexp.MustCompile(`"[^"]*"|'[^']*'`)
	spaceRe  = regexp.MustCompile(`\s+`)
)

const maxPatternLen = 160

// Pattern generalises a recommendation into a tenant-free pattern: literals such as
// urls, emails, numbers and quoted names are replaced with placeholders.
func Pattern(rec models.Recommendation) string {
	text := rec.Title
	if strings.TrimSpace(text) == "" {
		text = rec.Body
	}
	text = urlRe.ReplaceAllString(text, "<url>")
	text = emailRe.ReplaceAllString(text, "<email>")
	text = quotedRe.ReplaceAllString(text, "<name>")
	text = numberRe.ReplaceAllString(text, "<n>")
	text = strings.ToLower(strings.TrimSpace(spaceRe.ReplaceAllString(text, " ")))
	if text == "" {
		return ""
	}
	if r := []rune(text); len(r) > maxPatternLen {
		text = strings.TrimSpace(string(r[:maxPatternLen]))
	}
	if rec.Priority != "" {
		return rec.Priority + ": " + text
	}
	return text
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
