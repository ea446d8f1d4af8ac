package enrichment

import "time"

// FreshnessWindow is how long a property profile satisfies scoring without a
// re-enrichment.
const FreshnessWindow = 30 * 24 * time.Hour

// Modes accepted by scoring requests.
const (
	ModeAuto  = "auto"
	ModeSync  = "sync"
	ModeAsync = "async"
)

// Actions the scoring endpoint takes after weighing enrichment state.
const (
	ActionScore     = "score"
	ActionError     = "error"
	ActionReturn202 = "return_202"
)

// Decision is the outcome of the enrichment gate for one scoring request.
type Decision struct {
	Action           string `json:"action"`
	EnrichmentStatus string `json:"enrichment_status"`
	EnrichmentFailed bool   `json:"enrichment_failed"`
}

// ResolveMode maps the requested mode to sync or async. auto runs sync when
// every provider is a stub and async otherwise.
func ResolveMode(requested string, allStub bool) string {
	switch requested {
	case ModeSync:
		return ModeSync
	case ModeAsync:
		return ModeAsync
	}
	if allStub {
		return ModeSync
	}
	return ModeAsync
}

// Decide resolves what a scoring request should do given the state of an
// async enrichment run. bestEffort lets scoring proceed on a stale or absent
// profile instead of erroring or deferring.
func Decide(asyncRequired bool, waitSeconds int, bestEffort bool, runStatus string) Decision {
	if !asyncRequired {
		return Decision{Action: ActionScore, EnrichmentStatus: "used_profile"}
	}
	switch runStatus {
	case "SUCCEEDED":
		return Decision{Action: ActionScore, EnrichmentStatus: "used_profile"}
	case "FAILED":
		if bestEffort {
			return Decision{Action: ActionScore, EnrichmentStatus: "failed", EnrichmentFailed: true}
		}
		return Decision{Action: ActionError, EnrichmentStatus: "failed", EnrichmentFailed: true}
	}
	if bestEffort {
		return Decision{Action: ActionScore, EnrichmentStatus: "queued"}
	}
	return Decision{Action: ActionReturn202, EnrichmentStatus: "queued"}
}

// Fresh reports whether a profile updated at the given time still satisfies
// the freshness window.
func Fresh(updatedAt time.Time, now time.Time) bool {
	if updatedAt.IsZero() {
		return false
	}
	return !updatedAt.Before(now.Add(-FreshnessWindow))
}
