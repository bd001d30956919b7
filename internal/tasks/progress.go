package tasks

import (
	"fmt"

	"github.com/ferndale/cratesync/internal/models"
)

// ProgressUpdate represents a progress event during a long-running operation.
//
// Used to send real-time updates to the CLI layer for display.
type ProgressUpdate struct {
	Phase   Phase  // Operation phase
	Step    int    // Current step number within phase
	Total   int    // Total steps in this phase
	Message string // Human-readable message for display
	Data    any    // Optional phase-specific data for advanced consumers
}

// Operation phase enumeration
type Phase int

const (
	FetchRemote Phase = iota
	ScanLocal
	Resolve
	Plan
	Execute
)

func (p Phase) String() string {
	switch p {
	case FetchRemote:
		return "fetch_remote"
	case ScanLocal:
		return "scan_local"
	case Resolve:
		return "resolve"
	case Plan:
		return "plan"
	case Execute:
		return "execute"
	default:
		return ""
	}
}

func listingPlaylistsUpdate() ProgressUpdate {
	return ProgressUpdate{
		Phase:   FetchRemote,
		Step:    0,
		Total:   0,
		Message: "Listing remote playlists...",
	}
}

func fetchingPlaylistUpdate(step, total int, name string) ProgressUpdate {
	return ProgressUpdate{
		Phase:   FetchRemote,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%d/%d] Fetching: %s...", step, total, name),
	}
}

func skippedPlaylistUpdate(step, total int, name string) ProgressUpdate {
	return ProgressUpdate{
		Phase:   FetchRemote,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%d/%d] Unchanged: %s", step, total, name),
	}
}

func fetchFailedUpdate(step, total int, name string, err error) ProgressUpdate {
	return ProgressUpdate{
		Phase:   FetchRemote,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%d/%d] ✗ %s: %v", step, total, name, err),
	}
}

func scanningPlaylistUpdate(step, total int, name string) ProgressUpdate {
	return ProgressUpdate{
		Phase:   ScanLocal,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%d/%d] Scanning: %s...", step, total, name),
	}
}

func resolvingUpdate(step, total int) ProgressUpdate {
	return ProgressUpdate{
		Phase:   Resolve,
		Step:    step,
		Total:   total,
		Message: "Electing primary locations...",
	}
}

func planningUpdate(actions int) ProgressUpdate {
	return ProgressUpdate{
		Phase:   Plan,
		Step:    1,
		Total:   1,
		Message: fmt.Sprintf("Planned %d actions", actions),
	}
}

func actionDoneUpdate(step, total int, action models.SyncAction, outcome models.ActionOutcome, err error) ProgressUpdate {
	msg := fmt.Sprintf("[%d/%d] ✓ %s", step, total, action.Kind)
	if outcome == models.OutcomeFailed {
		msg = fmt.Sprintf("[%d/%d] ✗ %s: %v", step, total, action.Kind, err)
	} else if outcome == models.OutcomeSkipped {
		msg = fmt.Sprintf("[%d/%d] - %s (skipped)", step, total, action.Kind)
	}
	return ProgressUpdate{
		Phase:   Execute,
		Step:    step,
		Total:   total,
		Message: msg,
		Data:    action,
	}
}
