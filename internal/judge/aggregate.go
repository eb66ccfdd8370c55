package judge

// Fixed aggregation constants. Structure/policy outweighs voice because
// policy violations are safety-relevant while voice mismatches are not.
// These are a documented contract, never learned or tuned per request.
const (
	DefaultStructureWeight = 0.6
	DefaultVoiceWeight     = 0.4
)

// Weights holds the aggregation constants for one deployment. Constructed
// once from config at startup; Aggregate is pure.
type Weights struct {
	Structure float64
	Voice     float64
}

// DefaultWeights returns the documented 0.6/0.4 split.
func DefaultWeights() Weights {
	return Weights{Structure: DefaultStructureWeight, Voice: DefaultVoiceWeight}
}

// Aggregate combines the two judge scores into the final persona score.
func (w Weights) Aggregate(structureScore, voiceScore float64) float64 {
	return w.Structure*structureScore + w.Voice*voiceScore
}
