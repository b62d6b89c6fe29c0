package channel

import (
	"strings"

	"github.com/nhle/notify-engine/internal/model"
)

// ParseCallStatus maps a provider call status onto the call state machine.
// Both "no-answer" and "no_answer" spellings are accepted.
func ParseCallStatus(status string) (model.CallState, bool) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(status)), "_", "-") {
	case "queued", "initiated":
		return model.CallInitiated, true
	case "ringing":
		return model.CallRinging, true
	case "in-progress", "answered":
		return model.CallInProgress, true
	case "completed":
		return model.CallCompleted, true
	case "no-answer":
		return model.CallNoAnswer, true
	case "busy":
		return model.CallBusy, true
	case "failed", "canceled", "cancelled":
		return model.CallFailed, true
	}
	return "", false
}

func callRank(s model.CallState) int {
	switch s {
	case model.CallInitiated:
		return 0
	case model.CallRinging:
		return 1
	case model.CallInProgress:
		return 2
	}
	return 3
}

// CanAdvance reports whether a call may move from one state to another.
// States only move forward and terminal states are final, so late or
// reordered callbacks are ignored.
func CanAdvance(from, to model.CallState) bool {
	if from.Terminal() {
		return false
	}
	return callRank(to) > callRank(from)
}

// CallOutcome maps a terminal call state to the attempt outcome. A
// completed call in which no key was pressed counts as unanswered.
func CallOutcome(state model.CallState, responded bool) model.AttemptOutcome {
	switch state {
	case model.CallCompleted:
		if responded {
			return model.OutcomeDelivered
		}
		return model.OutcomeNoAnswer
	case model.CallNoAnswer:
		return model.OutcomeNoAnswer
	case model.CallBusy:
		return model.OutcomeBusy
	case model.CallFailed:
		return model.OutcomeTransientFailure
	}
	return model.OutcomeInitiated
}
