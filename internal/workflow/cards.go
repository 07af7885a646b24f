package workflow

import (
	"fmt"
	"sort"
	"time"

	"postline/internal/domain"
)

// Versioned card fields.
const (
	FieldMainText      = "main_text"
	FieldArtText       = "art_text"
	FieldDesignerNotes = "designer_notes"
	FieldArt           = "art"
	FieldArtFileName   = "art_file_name"
)

// CardUpdate carries the fields to change; nil leaves a field alone.
type CardUpdate struct {
	MainText      *string
	ArtText       *string
	DesignerNotes *string
	Art           *ArtUpdate
}

// ArtUpdate replaces the art reference. An empty Ref removes the art.
type ArtUpdate struct {
	Ref      string
	FileName string
}

func (u CardUpdate) empty() bool {
	return u.MainText == nil && u.ArtText == nil && u.DesignerNotes == nil && u.Art == nil
}

// Limits bounds card text lengths in runes. Zero disables a bound.
type Limits struct {
	MainText int
	ArtText  int
}

func DefaultLimits() Limits { return Limits{MainText: 1000, ArtText: 200} }

func (l Limits) check(u CardUpdate) error {
	if u.MainText != nil && l.MainText > 0 && len([]rune(*u.MainText)) > l.MainText {
		return fmt.Errorf("%w: main text exceeds %d characters", ErrInvalidArgument, l.MainText)
	}
	if u.ArtText != nil && l.ArtText > 0 && len([]rune(*u.ArtText)) > l.ArtText {
		return fmt.Errorf("%w: art text exceeds %d characters", ErrInvalidArgument, l.ArtText)
	}
	return nil
}

// FieldChange describes one versioned field that took a new value.
type FieldChange struct {
	Field string
	Old   string
	New   string
}

func newCard(postID, cardID, actorID string, order int, now time.Time) domain.Card {
	return seededCard(domain.Card{ID: cardID, PostID: postID, Order: order}, actorID, now)
}

// seededCard starts every history of c with its current value.
func seededCard(c domain.Card, actorID string, now time.Time) domain.Card {
	c.MainTextHistory = seedHistory(c.MainText, actorID, now)
	c.ArtTextHistory = seedHistory(c.ArtText, actorID, now)
	c.DesignerNotesHistory = seedHistory(c.DesignerNotes, actorID, now)
	c.ArtHistory = seedHistory(c.ArtRef, actorID, now)
	return c
}

func cardIndex(p *domain.Post, cardID string) int {
	for i := range p.Cards {
		if p.Cards[i].ID == cardID {
			return i
		}
	}
	return -1
}

func sortCards(p *domain.Post) {
	sort.SliceStable(p.Cards, func(i, j int) bool { return p.Cards[i].Order < p.Cards[j].Order })
}

// renumber assigns a dense 1..N order following slice position.
func renumber(p *domain.Post) {
	for i := range p.Cards {
		p.Cards[i].Order = i + 1
	}
}

// AddCard appends an empty card after the highest order.
func AddCard(p *domain.Post, cardID, actorID string, now time.Time) domain.Card {
	next := 1
	for _, c := range p.Cards {
		if c.Order >= next {
			next = c.Order + 1
		}
	}
	c := newCard(p.ID, cardID, actorID, next, now)
	p.Cards = append(p.Cards, c)
	sortCards(p)
	return c
}

// RemoveCard deletes a card and closes the gap in the order.
func RemoveCard(p *domain.Post, cardID string) (domain.Card, error) {
	idx := cardIndex(p, cardID)
	if idx < 0 {
		return domain.Card{}, fmt.Errorf("%w: card %s not on post %s", ErrInvalidArgument, cardID, p.ID)
	}
	if len(p.Cards) == 1 {
		return domain.Card{}, fmt.Errorf("%w: a post keeps at least one card", ErrInvariantViolation)
	}
	removed := p.Cards[idx]
	sortCards(p)
	idx = cardIndex(p, cardID)
	p.Cards = append(p.Cards[:idx], p.Cards[idx+1:]...)
	renumber(p)
	return removed, nil
}

// DuplicateCard copies the source card's current values into a new card
// placed right after it. History is not copied.
func DuplicateCard(p *domain.Post, sourceID, cardID, actorID string, now time.Time) (domain.Card, error) {
	sortCards(p)
	idx := cardIndex(p, sourceID)
	if idx < 0 {
		return domain.Card{}, fmt.Errorf("%w: card %s not on post %s", ErrInvalidArgument, sourceID, p.ID)
	}
	src := p.Cards[idx]
	c := seededCard(domain.Card{
		ID:            cardID,
		PostID:        p.ID,
		MainText:      src.MainText,
		ArtText:       src.ArtText,
		DesignerNotes: src.DesignerNotes,
		ArtRef:        src.ArtRef,
		ArtFileName:   src.ArtFileName,
	}, actorID, now)

	cards := make([]domain.Card, 0, len(p.Cards)+1)
	cards = append(cards, p.Cards[:idx+1]...)
	cards = append(cards, c)
	cards = append(cards, p.Cards[idx+1:]...)
	p.Cards = cards
	renumber(p)
	return p.Cards[idx+1], nil
}

// ReorderCards assigns orders following ids, which must be a permutation of
// the post's card ids. It reports whether any card moved.
func ReorderCards(p *domain.Post, ids []string) (bool, error) {
	if len(ids) != len(p.Cards) {
		return false, fmt.Errorf("%w: reorder lists %d cards, post has %d", ErrInvalidArgument, len(ids), len(p.Cards))
	}
	byID := make(map[string]domain.Card, len(p.Cards))
	for _, c := range p.Cards {
		byID[c.ID] = c
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := byID[id]; !ok {
			return false, fmt.Errorf("%w: card %s not on post %s", ErrInvalidArgument, id, p.ID)
		}
		if seen[id] {
			return false, fmt.Errorf("%w: card %s listed twice", ErrInvalidArgument, id)
		}
		seen[id] = true
	}

	sortCards(p)
	moved := false
	cards := make([]domain.Card, 0, len(ids))
	for i, id := range ids {
		c := byID[id]
		if p.Cards[i].ID != id || c.Order != i+1 {
			moved = true
		}
		c.Order = i + 1
		cards = append(cards, c)
	}
	p.Cards = cards
	return moved, nil
}

// UpdateCardFields runs every present field through the version store and
// returns the updated card with the fields that actually changed.
func UpdateCardFields(p *domain.Post, cardID string, u CardUpdate, actorID string, now time.Time) (domain.Card, []FieldChange, error) {
	idx := cardIndex(p, cardID)
	if idx < 0 {
		return domain.Card{}, nil, fmt.Errorf("%w: card %s not on post %s", ErrInvalidArgument, cardID, p.ID)
	}
	c := &p.Cards[idx]
	var changes []FieldChange
	apply := func(field string, value *string, history *[]domain.Version, next *string) {
		if next == nil {
			return
		}
		old := *value
		if v, changed := RecordIfChanged(history, old, *next, actorID, now); changed {
			*value = v
			changes = append(changes, FieldChange{Field: field, Old: old, New: v})
		}
	}
	apply(FieldMainText, &c.MainText, &c.MainTextHistory, u.MainText)
	apply(FieldArtText, &c.ArtText, &c.ArtTextHistory, u.ArtText)
	apply(FieldDesignerNotes, &c.DesignerNotes, &c.DesignerNotesHistory, u.DesignerNotes)
	if u.Art != nil {
		old := c.ArtRef
		if v, changed := RecordIfChanged(&c.ArtHistory, old, u.Art.Ref, actorID, now); changed {
			c.ArtRef = v
			changes = append(changes, FieldChange{Field: FieldArt, Old: old, New: v})
		}
		switch {
		case c.ArtRef == "":
			c.ArtFileName = ""
		case u.Art.FileName != "" && u.Art.FileName != c.ArtFileName:
			// A rename of the same art has no ref version, so it is
			// reported as its own change.
			if old == c.ArtRef {
				changes = append(changes, FieldChange{Field: FieldArtFileName, Old: c.ArtFileName, New: u.Art.FileName})
			}
			c.ArtFileName = u.Art.FileName
		}
	}
	return *c, changes, nil
}
