// Package expect matches patterns against a live output stream, the way a
// test drives an interactive program: wait for a line, then the next one,
// each with its own deadline.
package expect

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"
)

const readChunkSize = 4096

// TimeoutError means the pattern did not show up before its deadline.
type TimeoutError struct {
	Pattern string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s waiting for %q", e.Timeout, e.Pattern)
}

// EOFError means the stream ended before the pattern showed up.
type EOFError struct {
	Pattern string
	Err     error
}

func (e *EOFError) Error() string {
	if e.Err != nil && e.Err != io.EOF {
		return fmt.Sprintf("stream closed (%v) while waiting for %q", e.Err, e.Pattern)
	}
	return fmt.Sprintf("end of stream while waiting for %q", e.Pattern)
}

func (e *EOFError) Unwrap() error { return e.Err }

// Match is a successful expectation.
type Match struct {
	// Before is the text skipped ahead of the match.
	Before string
	// Text is the matched text; Groups holds submatches for regexps.
	Text   string
	Groups []string
}

// Expecter buffers everything read from a stream and lets callers consume it
// pattern by pattern. Every byte read is mirrored to the log writer.
type Expecter struct {
	defaultTimeout time.Duration

	mu      sync.Mutex
	buf     bytes.Buffer
	readErr error
	notify  chan struct{}
}

// NewExpecter starts reading r in the background. log may be nil.
func NewExpecter(r io.Reader, log io.Writer, defaultTimeout time.Duration) *Expecter {
	e := &Expecter{
		defaultTimeout: defaultTimeout,
		notify:         make(chan struct{}, 1),
	}
	go e.pump(r, log)
	return e
}

func (e *Expecter) pump(r io.Reader, log io.Writer) {
	chunk := make([]byte, readChunkSize)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if log != nil {
				_, _ = log.Write(chunk[:n])
			}
			e.mu.Lock()
			e.buf.Write(chunk[:n])
			e.mu.Unlock()
			e.wake()
		}
		if err != nil {
			e.mu.Lock()
			e.readErr = err
			e.mu.Unlock()
			e.wake()
			return
		}
	}
}

func (e *Expecter) wake() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Expect waits for re. timeout <= 0 means the default timeout.
func (e *Expecter) Expect(re *regexp.Regexp, timeout time.Duration) (Match, error) {
	return e.wait(re.String(), timeout, func(b []byte) (Match, int, bool) {
		loc := re.FindSubmatchIndex(b)
		if loc == nil {
			return Match{}, 0, false
		}
		m := Match{Before: string(b[:loc[0]]), Text: string(b[loc[0]:loc[1]])}
		for i := 2; i+1 < len(loc); i += 2 {
			if loc[i] < 0 {
				m.Groups = append(m.Groups, "")
				continue
			}
			m.Groups = append(m.Groups, string(b[loc[i]:loc[i+1]]))
		}
		return m, loc[1], true
	})
}

// ExpectExact waits for the literal s. timeout <= 0 means the default timeout.
func (e *Expecter) ExpectExact(s string, timeout time.Duration) (Match, error) {
	needle := []byte(s)
	return e.wait(s, timeout, func(b []byte) (Match, int, bool) {
		i := bytes.Index(b, needle)
		if i < 0 {
			return Match{}, 0, false
		}
		return Match{Before: string(b[:i]), Text: s}, i + len(needle), true
	})
}

// Buffered returns the unconsumed output without consuming it.
func (e *Expecter) Buffered() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buf.String()
}

func (e *Expecter) wait(pattern string, timeout time.Duration, find func([]byte) (Match, int, bool)) (Match, error) {
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		e.mu.Lock()
		m, end, ok := find(e.buf.Bytes())
		if ok {
			e.buf.Next(end)
			e.mu.Unlock()
			return m, nil
		}
		readErr := e.readErr
		e.mu.Unlock()

		if readErr != nil {
			return Match{}, &EOFError{Pattern: pattern, Err: readErr}
		}

		select {
		case <-e.notify:
		case <-timer.C:
			return Match{}, &TimeoutError{Pattern: pattern, Timeout: timeout}
		}
	}
}
