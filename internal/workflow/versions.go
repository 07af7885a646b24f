package workflow

import (
	"time"

	"postline/internal/domain"
)

// RecordIfChanged appends next to history when it differs from current and
// returns the value the caller should store. The empty string stands for an
// absent value, so setting or clearing an optional field is a change too.
func RecordIfChanged(history *[]domain.Version, current, next, actorID string, now time.Time) (string, bool) {
	if current == next {
		return current, false
	}
	*history = append(*history, domain.Version{ActorID: actorID, TS: now, Value: next})
	return next, true
}

func seedHistory(value, actorID string, now time.Time) []domain.Version {
	return []domain.Version{{ActorID: actorID, TS: now, Value: value}}
}
