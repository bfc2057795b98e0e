package format

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetect_PicksHighestAggregatedConfidence(t *testing.T) {
	contributions := []Contribution{
		{DetectorID: "d1", FormatTag: "nwb", Confidence: 0.6},
		{DetectorID: "d2", FormatTag: "nwb", Confidence: 0.2},
		{DetectorID: "d1", FormatTag: "spikeglx", Confidence: 0.3},
	}
	catalog := Catalog{"nwb": "nwb-interface"}

	det := Detect(contributions, catalog)
	require.Equal(t, "nwb", det.Primary)
	require.Equal(t, "nwb-interface", det.Interface)
	require.False(t, det.Ambiguous)
}

func TestDetect_TiesBreakLexicographically(t *testing.T) {
	contributions := []Contribution{
		{DetectorID: "d1", FormatTag: "zebra", Confidence: 0.5},
		{DetectorID: "d1", FormatTag: "alpha", Confidence: 0.5},
	}
	det := Detect(contributions, Catalog{})
	require.Equal(t, "alpha", det.Primary)
}

func TestDetect_FlagsAmbiguityWithinThreshold(t *testing.T) {
	contributions := []Contribution{
		{DetectorID: "d1", FormatTag: "a", Confidence: 0.50},
		{DetectorID: "d1", FormatTag: "b", Confidence: 0.48},
	}
	det := Detect(contributions, Catalog{})
	require.True(t, det.Ambiguous)
}

func TestDetect_ClipsAggregatedConfidenceToUnitRange(t *testing.T) {
	contributions := []Contribution{
		{DetectorID: "d1", FormatTag: "a", Confidence: 0.9, Authority: 2},
	}
	det := Detect(contributions, Catalog{})
	require.Equal(t, 1.0, det.Candidates[0].Confidence)
}

func TestDetect_EmptyContributionsReturnsNoPrimary(t *testing.T) {
	det := Detect(nil, Catalog{})
	require.Empty(t, det.Primary)
	require.Empty(t, det.Candidates)
}
