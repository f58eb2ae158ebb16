// Package transcript records the ordered card stream produced by the
// workflow: every phase transition and terminal or clarification event
// appends exactly one typed card, in the order it occurred. Rendering
// is out of scope; this package owns the shape and ordering contract.
package transcript

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// CardType identifies what a card carries.
type CardType string

const (
	CardModeSuggestion    CardType = "mode_suggestion"
	CardAnalysis          CardType = "analysis"
	CardConfiguration     CardType = "configuration"
	CardClarification     CardType = "clarification"
	CardPrdGeneration     CardType = "prd_generation"
	CardPrdReview         CardType = "prd_review"
	CardDesignDoc         CardType = "design_doc"
	CardExecutionProgress CardType = "execution_progress"
	CardExecutionComplete CardType = "execution_complete"
	CardWorkflowError     CardType = "workflow_error"
)

// Card is one transcript record. Data is an immutable snapshot;
// consumers must not mutate it.
type Card struct {
	CardID      string    `json:"cardId"`
	Type        CardType  `json:"cardType"`
	Data        any       `json:"data"`
	Interactive bool      `json:"interactive"`
	EmittedAt   time.Time `json:"emittedAt"`
}

// ErrorCard is the Data payload of a workflow_error card.
type ErrorCard struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Emitter appends cards in emission order and notifies observers.
// Safe for concurrent use.
type Emitter struct {
	mu       sync.Mutex
	cards    []Card
	onAppend func(Card)
}

// NewEmitter creates an empty transcript emitter.
func NewEmitter() *Emitter {
	return &Emitter{}
}

// OnAppend registers a callback invoked for every appended card, in
// append order. The callback runs under the emitter's lock so
// observers see cards in exactly the order they were emitted.
func (e *Emitter) OnAppend(fn func(Card)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onAppend = fn
}

// Emit appends a card and returns it with its assigned id.
func (e *Emitter) Emit(cardType CardType, data any, interactive bool) Card {
	card := Card{
		CardID:      uuid.New().String(),
		Type:        cardType,
		Data:        data,
		Interactive: interactive,
		EmittedAt:   time.Now(),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.cards = append(e.cards, card)
	if e.onAppend != nil {
		e.onAppend(card)
	}
	return card
}

// EmitError appends a workflow_error card with a short title and a
// free-text description.
func (e *Emitter) EmitError(title, description string) Card {
	return e.Emit(CardWorkflowError, ErrorCard{Title: title, Description: description}, false)
}

// Cards returns a snapshot copy of the transcript in emission order.
func (e *Emitter) Cards() []Card {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Card, len(e.cards))
	copy(out, e.cards)
	return out
}

// Len returns the number of emitted cards.
func (e *Emitter) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.cards)
}
