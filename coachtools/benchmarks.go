package coachtools

import (
	"sort"
	"strings"
)

// RankBenchmark holds reference stats for a representative rank tier,
// sourced from community aggregate data.
type RankBenchmark struct {
	RankTier          int     `json:"rank_tier"`
	RankName          string  `json:"rank"`
	GoalsPerGame      float64 `json:"goals_per_game"`
	AssistsPerGame    float64 `json:"assists_per_game"`
	SavesPerGame      float64 `json:"saves_per_game"`
	ShotsPerGame      float64 `json:"shots_per_game"`
	ShootingPct       float64 `json:"shooting_pct"`
	BoostPerMinute    float64 `json:"boost_per_minute"`
	SupersonicPct     float64 `json:"supersonic_pct"`
	AerialsPerGame    float64 `json:"aerials_per_game"`
	WavedashesPerGame float64 `json:"wavedashes_per_game"`
}

// defaultRankTier is Diamond I, the fallback when a rank cannot be resolved.
const defaultRankTier = 13

var rankBenchmarks = map[int]RankBenchmark{
	1:  {1, "Bronze I", 0.25, 0.15, 0.65, 1.8, 14.0, 220.0, 5.0, 0.2, 0.1},
	4:  {4, "Silver I", 0.40, 0.20, 0.80, 2.1, 16.0, 260.0, 7.0, 0.3, 0.2},
	7:  {7, "Gold I", 0.55, 0.28, 0.95, 2.4, 19.0, 300.0, 10.0, 0.5, 0.3},
	10: {10, "Platinum I", 0.72, 0.35, 1.10, 2.8, 22.0, 340.0, 13.0, 0.7, 0.4},
	13: {13, "Diamond I", 0.90, 0.45, 1.25, 3.1, 24.0, 375.0, 16.0, 0.9, 0.5},
	16: {16, "Champion I", 1.05, 0.55, 1.35, 3.5, 27.0, 410.0, 19.0, 1.1, 0.7},
	19: {19, "Grand Champion I", 1.20, 0.62, 1.45, 3.9, 30.0, 445.0, 22.0, 1.3, 0.9},
	22: {22, "Supersonic Legend", 1.35, 0.70, 1.60, 4.2, 32.0, 480.0, 25.0, 1.6, 1.1},
}

// BenchmarkForTier returns the exact or nearest-lower benchmark for a tier.
func BenchmarkForTier(tier int) RankBenchmark {
	if b, ok := rankBenchmarks[tier]; ok {
		return b
	}
	tiers := make([]int, 0, len(rankBenchmarks))
	for t := range rankBenchmarks {
		tiers = append(tiers, t)
	}
	sort.Ints(tiers)

	best := tiers[0]
	for _, t := range tiers {
		if t <= tier {
			best = t
		}
	}
	return rankBenchmarks[best]
}

// ResolveRankTier maps a display name like "Diamond II" or "Champion I" to a
// benchmark tier. Unknown names fall back to the base rank family, then to
// Diamond I.
func ResolveRankTier(rank string) int {
	rank = strings.TrimSpace(rank)
	for tier, b := range rankBenchmarks {
		if strings.EqualFold(b.RankName, rank) {
			return tier
		}
	}
	base, _, _ := strings.Cut(rank, " ")
	if base != "" {
		tiers := make([]int, 0, len(rankBenchmarks))
		for t := range rankBenchmarks {
			tiers = append(tiers, t)
		}
		sort.Ints(tiers)
		for _, tier := range tiers {
			if strings.HasPrefix(strings.ToLower(rankBenchmarks[tier].RankName), strings.ToLower(base)) {
				return tier
			}
		}
	}
	return defaultRankTier
}
