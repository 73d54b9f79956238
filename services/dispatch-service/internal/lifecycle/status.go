package lifecycle

import "github.com/vdnkl/dispatch/services/dispatch-service/internal/model"

// transitions is the closed table for direct status changes. A
// reschedule_pending appointment has no direct exits: only ApproveReschedule
// (back to new) and RejectReschedule (back to restorable[prev]) move it.
var transitions = map[model.Status][]model.Status{
	model.StatusNew: {
		model.StatusAccepted,
		model.StatusCancelled,
		model.StatusReschedulePending,
	},
	model.StatusAccepted: {
		model.StatusAccepted,
		model.StatusInProgress,
		model.StatusCompleted,
		model.StatusNotCompleted,
		model.StatusCancelled,
		model.StatusReschedulePending,
	},
	model.StatusInProgress: {
		model.StatusCompleted,
		model.StatusNotCompleted,
		model.StatusReschedulePending,
	},
}

// restorable are the statuses a rejected reschedule may return to.
var restorable = map[model.Status]bool{
	model.StatusNew:        true,
	model.StatusAccepted:   true,
	model.StatusInProgress: true,
}

// CanTransition reports whether the table allows from -> to.
func CanTransition(from, to model.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal statuses have no way out.
func Terminal(s model.Status) bool {
	return s == model.StatusCompleted || s == model.StatusNotCompleted || s == model.StatusCancelled
}

// fieldStatuses are the targets a technician may set directly.
var fieldStatuses = map[model.Status]bool{
	model.StatusInProgress:   true,
	model.StatusCompleted:    true,
	model.StatusNotCompleted: true,
}
