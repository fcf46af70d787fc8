// Package feedback runs the post-call rating step on the end-user side.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/pion/logging"
)

var (
	ErrInvalidRating = errors.New("feedback: rating must be between 1 and 5")
	ErrAlreadyRun    = errors.New("feedback: already run for this call")
)

const (
	MinRating = 1
	MaxRating = 5
)

// Answer is the user's choice: a rating, or Later to be asked another time.
type Answer struct {
	Rating int
	Later  bool
}

// Prompter asks the user for a rating.
type Prompter interface {
	Ask(ctx context.Context) (Answer, error)
}

// Submitter stores the rating of a session.
type Submitter interface {
	SubmitRating(ctx context.Context, sessionID string, rating int) error
}

type Config struct {
	Prompter  Prompter
	Submitter Submitter
	// Done runs after either exit, e.g. to leave the call view.
	Done          func()
	LoggerFactory logging.LoggerFactory
}

// Result reports how the flow ended.
type Result struct {
	Rating   int
	Deferred bool
}

// Flow is the rating step of one call. It runs at most once.
type Flow struct {
	prompter  Prompter
	submitter Submitter
	done      func()
	log       logging.LeveledLogger
	ran       atomic.Bool
}

func NewFlow(cfg Config) *Flow {
	lf := cfg.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	return &Flow{
		prompter:  cfg.Prompter,
		submitter: cfg.Submitter,
		done:      cfg.Done,
		log:       lf.NewLogger("feedback"),
	}
}

// Run asks for a rating of sessionID and submits it. Done is called whether
// the user rated or deferred, and also when the prompt or the submit failed.
func (f *Flow) Run(ctx context.Context, sessionID string) (Result, error) {
	if !f.ran.CompareAndSwap(false, true) {
		return Result{}, ErrAlreadyRun
	}
	if f.done != nil {
		defer f.done()
	}

	answer, err := f.prompter.Ask(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("ask rating: %w", err)
	}
	if answer.Later {
		f.log.Infof("rating of %s deferred", sessionID)
		return Result{Deferred: true}, nil
	}
	if err := Validate(answer.Rating); err != nil {
		return Result{}, err
	}
	if err := f.submitter.SubmitRating(ctx, sessionID, answer.Rating); err != nil {
		return Result{Rating: answer.Rating}, fmt.Errorf("submit rating: %w", err)
	}
	f.log.Infof("rated %s: %d", sessionID, answer.Rating)
	return Result{Rating: answer.Rating}, nil
}

func Validate(rating int) error {
	if rating < MinRating || rating > MaxRating {
		return ErrInvalidRating
	}
	return nil
}
