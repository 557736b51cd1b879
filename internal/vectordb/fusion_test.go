package vectordb

import (
	"math"
	"testing"
	"time"

	"github.com/airweave/airweave/pkg/models"
)

func hit(id string, score float64) models.SearchResult {
	return models.SearchResult{ID: id, Score: score, Payload: map[string]any{}}
}

func TestFuseRRFAgreementWins(t *testing.T) {
	dense := []models.SearchResult{hit("a", 0.9), hit("b", 0.8), hit("c", 0.7)}
	sparse := []models.SearchResult{hit("b", 12.0), hit("d", 9.0)}

	fused := FuseRRF(dense, sparse)
	if len(fused) != 4 {
		t.Fatalf("fused %d hits, want 4", len(fused))
	}
	// b appears in both lists so it must outrank everything else.
	if fused[0].ID != "b" {
		t.Errorf("top hit = %s, want b", fused[0].ID)
	}
	want := 1.0/(rrfK+2) + 1.0/(rrfK+1)
	if math.Abs(fused[0].Score-want) > 1e-12 {
		t.Errorf("b score = %v, want %v", fused[0].Score, want)
	}
}

func TestFuseRRFIgnoresRawScoreMagnitudes(t *testing.T) {
	// Sparse scores are on a wildly different scale; only rank matters.
	dense := []models.SearchResult{hit("a", 0.01), hit("b", 0.009)}
	sparse := []models.SearchResult{hit("b", 4000), hit("a", 3999)}

	fused := FuseRRF(dense, sparse)
	if fused[0].Score != fused[1].Score {
		t.Errorf("symmetric ranks should tie: %v vs %v", fused[0].Score, fused[1].Score)
	}
}

func TestFuseRRFDeterministicTieBreak(t *testing.T) {
	a := FuseRRF([]models.SearchResult{hit("x", 1), hit("y", 1)})
	b := FuseRRF([]models.SearchResult{hit("x", 1), hit("y", 1)})
	for i := range a {
		if a[i].ID != b[i].ID {
			t.Fatalf("order not deterministic: %v vs %v", a, b)
		}
	}
}

func TestApplyDecayWeightZeroIsIdentity(t *testing.T) {
	hits := []models.SearchResult{hit("a", 0.5)}
	out := ApplyDecay(hits, &models.DecayConfig{Weight: 0})
	if out[0].Score != 0.5 {
		t.Errorf("score = %v, want 0.5", out[0].Score)
	}
}

// timedHit builds a hit with the payload shape BulkInsert writes: the source
// name and timestamps nested under the system metadata block.
func timedHit(id string, score float64, ts time.Time, source string) models.SearchResult {
	return models.SearchResult{ID: id, Score: score, Payload: map[string]any{
		"airweave_system_metadata": map[string]any{
			"source_name":         source,
			"airweave_updated_at": ts.Format(time.RFC3339),
		},
	}}
}

func TestApplyDecayWeightOneRanksByRecency(t *testing.T) {
	now := time.Now()
	cfg := &models.DecayConfig{
		DecayType:      models.DecayLinear,
		TargetDatetime: now,
		ScaleSeconds:   (30 * 24 * time.Hour).Seconds(),
		Weight:         1,
	}
	old := timedHit("old", 0.99, now.Add(-29*24*time.Hour), "notion")
	fresh := timedHit("fresh", 0.10, now.Add(-time.Hour), "notion")

	out := ApplyDecay([]models.SearchResult{old, fresh}, cfg)
	if out[1].Score <= out[0].Score {
		t.Errorf("fresh hit should outscore old at weight 1: fresh=%v old=%v", out[1].Score, out[0].Score)
	}
}

func TestApplyDecayBlendsMidWeights(t *testing.T) {
	// Truncate to whole seconds so the RFC3339 round-trip in timedHit keeps
	// the hit exactly one scale away from the target.
	now := time.Now().Truncate(time.Second)
	cfg := &models.DecayConfig{
		DecayType:      models.DecayExponential,
		TargetDatetime: now,
		ScaleSeconds:   3600,
		Midpoint:       0.5,
		Weight:         0.5,
	}
	// One scale away from target: decay is exactly the midpoint.
	h := timedHit("a", 0.8, now.Add(-time.Hour), "notion")
	out := ApplyDecay([]models.SearchResult{h}, cfg)
	want := 0.8 * (0.5 + 0.5*0.5)
	if math.Abs(out[0].Score-want) > 1e-9 {
		t.Errorf("blended score = %v, want %v", out[0].Score, want)
	}
}

func TestApplyDecayScopedToSources(t *testing.T) {
	now := time.Now()
	cfg := &models.DecayConfig{
		DecayType:      models.DecayLinear,
		TargetDatetime: now,
		ScaleSeconds:   3600,
		Weight:         1,
		SourceNames:    []string{"notion"},
	}
	inScope := timedHit("a", 0.9, now.Add(-10*time.Hour), "notion")
	outScope := timedHit("b", 0.9, now.Add(-10*time.Hour), "postgres")

	out := ApplyDecay([]models.SearchResult{inScope, outScope}, cfg)
	if out[1].Score != 0.9 {
		t.Errorf("out-of-scope score = %v, want raw 0.9", out[1].Score)
	}
	if out[0].Score == 0.9 {
		t.Error("in-scope score should be decayed")
	}
}

func TestApplyDecayResolvesNestedSourceName(t *testing.T) {
	now := time.Now()
	cfg := &models.DecayConfig{
		DecayType:      models.DecayExponential,
		TargetDatetime: now,
		ScaleSeconds:   (30 * 24 * time.Hour).Seconds(),
		Midpoint:       0.5,
		Weight:         1,
		SourceNames:    []string{"notion"},
	}
	h := timedHit("a", 0.9, now.Add(-90*24*time.Hour), "notion")

	out := ApplyDecay([]models.SearchResult{h}, cfg)
	if out[0].Score == 0.9 {
		t.Fatalf("source-scoped decay never matched the nested source_name")
	}
	// Three half-lives: 0.5^3.
	if math.Abs(out[0].Score-0.125) > 1e-3 {
		t.Errorf("score = %v, want ~0.125", out[0].Score)
	}
}

func TestApplyDecayMissingTimestampKeepsScore(t *testing.T) {
	cfg := &models.DecayConfig{DecayType: models.DecayLinear, ScaleSeconds: 3600, Weight: 1}
	out := ApplyDecay([]models.SearchResult{hit("a", 0.42)}, cfg)
	if out[0].Score != 0.42 {
		t.Errorf("score = %v, want raw 0.42", out[0].Score)
	}
}

func TestPointIDDeterministic(t *testing.T) {
	a := PointID("3b2c7b9e-7e2f-4b8a-9c1d-1234567890ab", "page-1")
	b := PointID("3b2c7b9e-7e2f-4b8a-9c1d-1234567890ab", "page-1")
	c := PointID("3b2c7b9e-7e2f-4b8a-9c1d-1234567890ab", "page-2")
	if a != b {
		t.Errorf("same inputs produced %s and %s", a, b)
	}
	if a == c {
		t.Error("different entity ids produced same point id")
	}
}
