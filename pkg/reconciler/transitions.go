package reconciler

import "github.com/cuemby/docqa/pkg/types"

// Success-path ranks. Unknown statuses get no rank and are always
// accepted so that new server statuses do not wedge the cache.
var messageRank = map[types.MessageStatus]int{
	types.MessageStatusPending: 0,
	types.MessageStatusRunning: 1,
	types.MessageStatusDone:    2,
	types.MessageStatusError:   2,
}

var documentRank = map[types.DocumentStatus]int{
	types.DocumentStatusPending:   0,
	types.DocumentStatusRunning:   1,
	types.DocumentStatusParsed:    2,
	types.DocumentStatusIngested:  3,
	types.DocumentStatusCompleted: 3,
	types.DocumentStatusError:     3,
}

// A terminal status only accepts itself again (content refresh); a
// non-terminal status never moves backwards. error is the exception:
// the backend retries failed work, so it may move to any status.
func messageTransitionAllowed(from, to types.MessageStatus) bool {
	if from == to || from == types.MessageStatusError {
		return true
	}
	if from.IsTerminal() {
		return false
	}
	return rankAllowed(messageRank, from, to)
}

func documentTransitionAllowed(from, to types.DocumentStatus) bool {
	if from == to || from == types.DocumentStatusError {
		return true
	}
	if from.IsTerminal() {
		return false
	}
	return rankAllowed(documentRank, from, to)
}

func rankAllowed[S comparable](ranks map[S]int, from, to S) bool {
	rf, okFrom := ranks[from]
	rt, okTo := ranks[to]
	if !okFrom || !okTo {
		return true
	}
	return rt >= rf
}
