package feedback

import (
	"bytes"
	"context"
	"errors"
	"io"
	"runtime"
	"strings"
	"testing"
	"time"
)

type fixedPrompter struct {
	answer Answer
	err    error
	asked  int
}

func (p *fixedPrompter) Ask(context.Context) (Answer, error) {
	p.asked++
	return p.answer, p.err
}

type recordingSubmitter struct {
	sessionID string
	rating    int
	calls     int
	err       error
}

func (s *recordingSubmitter) SubmitRating(_ context.Context, sessionID string, rating int) error {
	s.calls++
	s.sessionID, s.rating = sessionID, rating
	return s.err
}

func TestFlow(t *testing.T) {
	tests := []struct {
		name       string
		answer     Answer
		submitErr  error
		wantErr    error
		wantSubmit bool
		want       Result
	}{
		{name: "rated", answer: Answer{Rating: 4}, wantSubmit: true, want: Result{Rating: 4}},
		{name: "later", answer: Answer{Later: true}, want: Result{Deferred: true}},
		{name: "out of range", answer: Answer{Rating: 6}, wantErr: ErrInvalidRating},
		{name: "zero", answer: Answer{}, wantErr: ErrInvalidRating},
		{name: "submit fails", answer: Answer{Rating: 2}, submitErr: errors.New("503"), wantSubmit: true, want: Result{Rating: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &recordingSubmitter{err: tt.submitErr}
			doneCalls := 0
			f := NewFlow(Config{
				Prompter:  &fixedPrompter{answer: tt.answer},
				Submitter: sub,
				Done:      func() { doneCalls++ },
			})

			got, err := f.Run(context.Background(), "u1")
			switch {
			case tt.wantErr != nil && !errors.Is(err, tt.wantErr):
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			case tt.submitErr != nil && err == nil:
				t.Fatal("submit error swallowed")
			case tt.wantErr == nil && tt.submitErr == nil && err != nil:
				t.Fatalf("err = %v", err)
			}
			if got != tt.want {
				t.Errorf("result = %+v, want %+v", got, tt.want)
			}
			if (sub.calls == 1) != tt.wantSubmit {
				t.Errorf("submit calls = %d", sub.calls)
			}
			if tt.wantSubmit && (sub.sessionID != "u1" || sub.rating != tt.answer.Rating) {
				t.Errorf("submitted %s=%d", sub.sessionID, sub.rating)
			}
			if doneCalls != 1 {
				t.Errorf("done called %d times, want 1", doneCalls)
			}
		})
	}
}

func TestFlowRunsOnce(t *testing.T) {
	p := &fixedPrompter{answer: Answer{Rating: 5}}
	sub := &recordingSubmitter{}
	f := NewFlow(Config{Prompter: p, Submitter: sub})

	if _, err := f.Run(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Run(context.Background(), "u1"); !errors.Is(err, ErrAlreadyRun) {
		t.Fatalf("second Run = %v, want ErrAlreadyRun", err)
	}
	if p.asked != 1 || sub.calls != 1 {
		t.Errorf("asked %d times, submitted %d times", p.asked, sub.calls)
	}
}

func TestTerminalPrompter(t *testing.T) {
	tests := []struct {
		input string
		want  Answer
	}{
		{"4\n", Answer{Rating: 4}},
		{"\n", Answer{Later: true}},
		{"later\n", Answer{Later: true}},
		{"9\nabc\n3\n", Answer{Rating: 3}},
		{"", Answer{Later: true}},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		p := &TerminalPrompter{In: strings.NewReader(tt.input), Out: &out}
		got, err := p.Ask(context.Background())
		if err != nil {
			t.Fatalf("Ask(%q): %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("Ask(%q) = %+v, want %+v", tt.input, got, tt.want)
		}
	}
}

func TestTerminalPrompterReleasesReader(t *testing.T) {
	before := runtime.NumGoroutine()
	for i := 0; i < 10; i++ {
		p := &TerminalPrompter{In: strings.NewReader("4\n5\n6\n"), Out: io.Discard}
		got, err := p.Ask(context.Background())
		if err != nil || got.Rating != 4 {
			t.Fatalf("Ask = %+v, %v", got, err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > before+2 {
		if time.Now().After(deadline) {
			t.Fatalf("%d goroutines still running after Ask, started with %d", runtime.NumGoroutine(), before)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
