package types

import (
	"math"
	"sort"
)

// NightTransmission is the two-way transmission probability exp(-2·tau4)
// at the start and the end of a night, from its first and last runs
type NightTransmission struct {
	FirstRun  int     `json:"first_run"`
	LastRun   int     `json:"last_run"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Variation float64 `json:"variation"` // (End - Start) / Start
}

// TransmissionProbability summarizes runs, in any order, as the transmission
// probability of the earliest and latest run. It returns nil for no runs.
func TransmissionProbability(runs []RunSummary) *NightTransmission {
	if len(runs) == 0 {
		return nil
	}
	sorted := append([]RunSummary(nil), runs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })
	first, last := sorted[0], sorted[len(sorted)-1]

	p1 := math.Exp(-2 * first.Tau4)
	p2 := math.Exp(-2 * last.Tau4)
	return &NightTransmission{
		FirstRun:  first.RunNumber,
		LastRun:   last.RunNumber,
		Start:     p1,
		End:       p2,
		Variation: (p2 - p1) / p1,
	}
}
