package classify

import (
	"sort"
	"time"
)

// Failure is one classified failure inside the analysis window.
type Failure struct {
	Classification Classification `json:"classification"`
	Message        string         `json:"message"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

// Pattern groups failures that share a category and severity.
type Pattern struct {
	Category        Category `json:"category"`
	Severity        Severity `json:"severity"`
	Count           int      `json:"count"`
	SuggestedAction string   `json:"suggested_action"`
}

// UrgencyLevel buckets the urgency score.
type UrgencyLevel string

const (
	UrgencyLow      UrgencyLevel = "low"
	UrgencyMedium   UrgencyLevel = "medium"
	UrgencyHigh     UrgencyLevel = "high"
	UrgencyCritical UrgencyLevel = "critical"
)

// Summary aggregates a window of recent failures into patterns, an
// urgency score in [0,100] and deterministic recommendations.
type Summary struct {
	TotalErrors     int          `json:"total_errors"`
	Patterns        []Pattern    `json:"patterns"`
	Score           int          `json:"score"`
	Level           UrgencyLevel `json:"level"`
	Recommendations []string     `json:"recommendations"`
}

var suggestedActions = map[Category]string{
	CategoryAuth:       "Refresh or re-authorize the provider connection",
	CategoryRateLimit:  "Wait for provider limits to reset before retrying",
	CategoryNetwork:    "Verify network connectivity and retry",
	CategoryPermission: "Review and re-grant the required provider scopes",
	CategoryValidation: "Review data formats in the failing items",
	CategorySystem:     "Retry later; the provider reported a server fault",
	CategoryUnknown:    "Review logs and retry",
}

// Summarize analyzes recent failures relative to now. An empty window
// produces a low-urgency summary with no patterns.
func Summarize(failures []Failure, now time.Time) Summary {
	type key struct {
		category Category
		severity Severity
	}

	counts := make(map[key]int)
	present := make(map[Category]bool)
	critical := 0
	lastHour := 0

	for _, f := range failures {
		c := f.Classification
		counts[key{c.Category, c.Severity}]++
		present[c.Category] = true
		if c.Severity == SeverityCritical {
			critical++
		}
		if now.Sub(f.OccurredAt) <= time.Hour {
			lastHour++
		}
	}

	patterns := make([]Pattern, 0, len(counts))
	for k, n := range counts {
		patterns = append(patterns, Pattern{
			Category:        k.category,
			Severity:        k.severity,
			Count:           n,
			SuggestedAction: suggestedActions[k.category],
		})
	}
	// Stable output: most frequent first, then by category name.
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Count != patterns[j].Count {
			return patterns[i].Count > patterns[j].Count
		}
		return patterns[i].Category < patterns[j].Category
	})

	score := critical * 20
	if score > 60 {
		score = 60
	}

	switch {
	case lastHour > 5:
		score += 30
	case lastHour > 2:
		score += 15
	}

	var recs []string
	if present[CategoryAuth] {
		score += 25
		recs = append(recs, "Check authentication credentials for connected providers")
	}
	if present[CategoryRateLimit] {
		score += 15
		recs = append(recs, "Reduce sync frequency until provider rate limits recover")
	}
	if present[CategoryValidation] {
		score += 20
		recs = append(recs, "Review data formats and field mappings in failing items")
	}
	if len(failures) > 100 {
		score += 10
		recs = append(recs, "High error volume detected; review recent sync activity")
	}
	if lastHour > 5 {
		recs = append(recs, "Failure rate is elevated; pause syncs and investigate")
	}
	if len(recs) == 0 && len(failures) > 0 {
		recs = append(recs, "Review logs for recent failures")
	}

	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}

	return Summary{
		TotalErrors:     len(failures),
		Patterns:        patterns,
		Score:           score,
		Level:           levelFor(score),
		Recommendations: recs,
	}
}

func levelFor(score int) UrgencyLevel {
	switch {
	case score >= 80:
		return UrgencyCritical
	case score >= 60:
		return UrgencyHigh
	case score >= 30:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}
