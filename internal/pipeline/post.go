package pipeline

import "git.home.luguber.info/inful/conveyor/internal/config"

// ShouldFire decides whether a post block with the given condition fires for
// the current result. previous is nil when the pipeline has never completed
// before; a first run counts as a status change (there was nothing to match).
func ShouldFire(cond config.PostCondition, current Result, previous *Result) bool {
	switch cond {
	case config.PostAlways:
		return true
	case config.PostChanged:
		return previous == nil || *previous != current
	case config.PostSuccess:
		return current == ResultSuccess
	case config.PostUnstable:
		return current == ResultUnstable
	case config.PostFailure:
		return current == ResultFailure
	}
	return false
}
