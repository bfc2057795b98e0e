// Package format implements the Format Detection Coordinator (spec.md
// §4.3): a pure function invoked inside the Analyzing step, with no
// persistence and no goroutines. Grounded on graph/cost.go's shape — a
// pure computation package built from static tables plus a deterministic
// scoring function, with no engine dependencies.
package format

import "sort"

// Contribution is one detector's opinion about a dataset's format.
type Contribution struct {
	DetectorID string  `json:"detector_id"`
	FormatTag  string  `json:"format_tag"`
	Confidence float64 `json:"confidence"` // [0,1]
	Evidence   string  `json:"evidence"`
	Authority  float64 `json:"authority"` // detector-declared weight; 0 defaults to 1.0
}

// Candidate is one format tag's aggregated result.
type Candidate struct {
	FormatTag  string   `json:"format_tag"`
	Confidence float64  `json:"confidence"`
	Evidence   []string `json:"evidence,omitempty"`
}

// Detection is the coordinator's output.
type Detection struct {
	Candidates   []Candidate `json:"candidates"`
	Primary      string      `json:"primary"`
	Interface    string      `json:"interface"`
	Ambiguous    bool        `json:"ambiguous"`
	Alternatives []Candidate `json:"alternatives,omitempty"`
}

// Catalog maps a primary format tag to the conversion interface that
// handles it. The catalog is configuration, not code (spec.md §4.3.4).
type Catalog map[string]string

// AmbiguityThreshold is the default gap (spec.md §4.3.3) at or below which the
// top two candidates are considered ambiguous. Callers override via
// DetectWithThreshold.
const AmbiguityThreshold = 0.05

// Detect aggregates contributions using the default ambiguity threshold.
func Detect(contributions []Contribution, catalog Catalog) Detection {
	return DetectWithThreshold(contributions, catalog, AmbiguityThreshold)
}

// DetectWithThreshold implements spec.md §4.3's four-step algorithm:
// sum confidences per tag weighted by detector authority, clip to [0,1],
// pick the highest with lexicographic tie-break, flag ambiguity when the
// top two are within threshold, and resolve the interface from catalog.
func DetectWithThreshold(contributions []Contribution, catalog Catalog, threshold float64) Detection {
	totals := map[string]float64{}
	evidence := map[string][]string{}

	for _, c := range contributions {
		authority := c.Authority
		if authority == 0 {
			authority = 1.0
		}
		totals[c.FormatTag] += c.Confidence * authority
		if c.Evidence != "" {
			evidence[c.FormatTag] = append(evidence[c.FormatTag], c.Evidence)
		}
	}

	candidates := make([]Candidate, 0, len(totals))
	for tag, total := range totals {
		if total > 1 {
			total = 1
		}
		if total < 0 {
			total = 0
		}
		candidates = append(candidates, Candidate{FormatTag: tag, Confidence: total, Evidence: evidence[tag]})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Confidence != candidates[j].Confidence {
			return candidates[i].Confidence > candidates[j].Confidence
		}
		return candidates[i].FormatTag < candidates[j].FormatTag
	})

	det := Detection{Candidates: candidates}
	if len(candidates) == 0 {
		return det
	}

	det.Primary = candidates[0].FormatTag
	det.Interface = catalog[det.Primary]
	det.Alternatives = candidates[1:]

	if len(candidates) > 1 && candidates[0].Confidence-candidates[1].Confidence <= threshold {
		det.Ambiguous = true
	}

	return det
}
