package store

import "qms/queue-engine/internal/models"

var transitionMap = map[string][]string{
	models.StatusWaiting: {models.StatusServing, models.StatusNoShow},
	models.StatusServing: {models.StatusCompleted, models.StatusNoShow},
	// terminal states allow nothing
	models.StatusCompleted: {},
	models.StatusNoShow:    {},
}

// requiresCounter lists target statuses that must carry a counter assignment.
var requiresCounter = map[string]bool{
	models.StatusServing: true,
}

func ValidTransition(from, to string) bool {
	allowed, ok := transitionMap[from]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the target statuses reachable from the given
// status, for error messages that tell the caller what would be legal.
func AllowedTransitions(from string) []string {
	allowed, ok := transitionMap[from]
	if !ok {
		return nil
	}
	out := make([]string, len(allowed))
	copy(out, allowed)
	return out
}

func RequiresCounter(to string) bool {
	return requiresCounter[to]
}
