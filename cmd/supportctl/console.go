package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// console owns stdin so that the command loop and the rating prompt can
// share it.
type console struct {
	lines chan string
	out   io.Writer
}

func newConsole() *console {
	c := &console{lines: make(chan string), out: os.Stdout}
	go func() {
		defer close(c.lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			c.lines <- sc.Text()
		}
	}()
	return c
}

// next returns the next line, or false when stdin is closed or ctx is done.
func (c *console) next(ctx context.Context) (string, bool) {
	select {
	case <-ctx.Done():
		return "", false
	case line, ok := <-c.lines:
		return strings.TrimSpace(line), ok
	}
}

func (c *console) confirm(prompt string) bool {
	fmt.Fprintf(c.out, "%s [y/N] ", prompt)
	line, ok := c.next(context.Background())
	return ok && strings.EqualFold(line, "y")
}

// Reader exposes the remaining lines as a stream, for feedback.TerminalPrompter.
func (c *console) Reader() io.Reader {
	return &lineReader{c: c}
}

type lineReader struct {
	c   *console
	buf []byte
}

func (r *lineReader) Read(p []byte) (int, error) {
	if len(r.buf) == 0 {
		line, ok := <-r.c.lines
		if !ok {
			return 0, io.EOF
		}
		r.buf = []byte(line + "\n")
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}
