package vectordb

import (
	"math"
	"strings"
	"time"

	"github.com/airweave/airweave/pkg/models"
)

// defaultMidpoint is the decay value at one scale's distance from the target.
const defaultMidpoint = 0.5

// ApplyDecay re-scores hits with the temporal decay blend. Weight 0 leaves
// scores untouched, weight 1 replaces them with the decay factor, and
// in-between weights blend multiplicatively:
//
//	score * ((1-weight) + weight*decay)
//
// Points outside the configured source scope, or without a parseable
// datetime, keep their raw score.
func ApplyDecay(hits []models.SearchResult, cfg *models.DecayConfig) []models.SearchResult {
	if cfg == nil || cfg.Weight <= 0 {
		return hits
	}
	scope := make(map[string]bool, len(cfg.SourceNames))
	for _, s := range cfg.SourceNames {
		scope[s] = true
	}
	out := make([]models.SearchResult, len(hits))
	for i, h := range hits {
		out[i] = h
		if len(scope) > 0 {
			// source_name lives under the system metadata block of the point
			// payload, not at the top level.
			src, _ := payloadField(h.Payload, "airweave_system_metadata.source_name")
			if s, _ := src.(string); !scope[s] {
				continue
			}
		}
		ts, ok := payloadTime(h.Payload, cfg.DatetimeField)
		if !ok {
			continue
		}
		d := decayFactor(cfg, ts)
		if cfg.Weight >= 1 {
			out[i].Score = d
		} else {
			out[i].Score = h.Score * ((1 - cfg.Weight) + cfg.Weight*d)
		}
	}
	return out
}

// decayFactor evaluates the configured curve at |ts - target|.
func decayFactor(cfg *models.DecayConfig, ts time.Time) float64 {
	scale := cfg.ScaleSeconds
	if scale <= 0 {
		return 1
	}
	mid := cfg.Midpoint
	if mid <= 0 || mid >= 1 {
		mid = defaultMidpoint
	}
	target := cfg.TargetDatetime
	if target.IsZero() {
		target = time.Now()
	}
	diff := math.Abs(ts.Sub(target).Seconds())

	switch cfg.DecayType {
	case models.DecayExponential:
		lambda := math.Log(mid) / scale
		return math.Exp(lambda * diff)
	case models.DecayGaussian:
		sigma2 := -scale * scale / (2 * math.Log(mid))
		return math.Exp(-diff * diff / (2 * sigma2))
	default: // linear
		s := scale / (1 - mid)
		return math.Max(0, 1-diff/s)
	}
}

// payloadField resolves a dotted field path in the payload.
func payloadField(payload map[string]any, field string) (any, bool) {
	var cur any = payload
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// payloadTime resolves a dotted field path in the payload to a timestamp.
func payloadTime(payload map[string]any, field string) (time.Time, bool) {
	if field == "" {
		field = "airweave_system_metadata.airweave_updated_at"
	}
	cur, ok := payloadField(payload, field)
	if !ok {
		return time.Time{}, false
	}
	switch v := cur.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t, true
			}
		}
	case time.Time:
		return v, true
	case float64:
		return time.Unix(int64(v), 0), true
	}
	return time.Time{}, false
}
