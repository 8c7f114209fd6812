package queue

import (
	"fmt"

	"github.com/queueworks/vqueue/internal/errs"
	"github.com/queueworks/vqueue/internal/store"
)

// transitions is the session state machine. Status only advances; a
// session never re-enters an earlier state.
var transitions = map[store.SessionStatus][]store.SessionStatus{
	store.SessionWaiting: {store.SessionReleased, store.SessionServing, store.SessionDropped},
	store.SessionServing: {store.SessionReleased},
}

// checkTransition returns InvalidState when from→to is not permitted
func checkTransition(from, to store.SessionStatus) error {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return errs.InvalidState(fmt.Sprintf("session cannot move from %s to %s", from, to))
}
