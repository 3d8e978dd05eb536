package domain

// Advice is the suggestion engine's non-binding plan for a deploy request.
// It is surfaced to the caller verbatim and never gates a state transition.
type Advice struct {
	EstimatedCost          float64  `json:"estimatedCost"`
	EstimatedBuildTime     string   `json:"estimatedBuildTime"`
	Risks                  []string `json:"risks"`
	Confidence             float64  `json:"confidence"`
	RecommendedEnvironment string   `json:"recommendedEnvironment"`
}
