package feedback

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// TerminalPrompter asks on a text terminal. An empty line or "later" defers.
type TerminalPrompter struct {
	In  io.Reader
	Out io.Writer
}

func (p *TerminalPrompter) Ask(ctx context.Context) (Answer, error) {
	lines := make(chan string, 1)
	errs := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		sc := bufio.NewScanner(p.In)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			errs <- err
			return
		}
		errs <- io.EOF
	}()

	for {
		fmt.Fprintf(p.Out, "Rate our support (%d-%d), or press Enter to be asked later: ", MinRating, MaxRating)
		select {
		case <-ctx.Done():
			return Answer{Later: true}, nil
		case err := <-errs:
			if err == io.EOF {
				return Answer{Later: true}, nil
			}
			return Answer{}, err
		case line := <-lines:
			line = strings.TrimSpace(strings.ToLower(line))
			if line == "" || line == "later" {
				return Answer{Later: true}, nil
			}
			n, err := strconv.Atoi(line)
			if err == nil && Validate(n) == nil {
				return Answer{Rating: n}, nil
			}
			fmt.Fprintln(p.Out, "Please enter a number from 1 to 5.")
		}
	}
}
