// Package oracletest provides a scripted Oracle for tests.
package oracletest

import (
	"context"
	"fmt"
	"sync"

	"github.com/hpungsan/margin/internal/oracle"
)

// Reply is one scripted response: either Text or Err.
type Reply struct {
	Text string
	Err  error
}

// Script is an Oracle that answers from per-stage queues of replies.
// A stage with no remaining replies fails the call with an error, so tests
// notice unexpected oracle traffic.
type Script struct {
	mu      sync.Mutex
	replies map[oracle.Stage][]Reply
	calls   []oracle.Request
}

// New returns an empty Script.
func New() *Script {
	return &Script{replies: make(map[oracle.Stage][]Reply)}
}

// On queues text replies for stage and returns s for chaining.
func (s *Script) On(stage oracle.Stage, texts ...string) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range texts {
		s.replies[stage] = append(s.replies[stage], Reply{Text: t})
	}
	return s
}

// Fail queues an error reply for stage.
func (s *Script) Fail(stage oracle.Stage, err error) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[stage] = append(s.replies[stage], Reply{Err: err})
	return s
}

// Generate pops the next reply for req.Stage.
func (s *Script) Generate(ctx context.Context, req oracle.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	queue := s.replies[req.Stage]
	if len(queue) == 0 {
		return "", fmt.Errorf("oracletest: no scripted reply for stage %q", req.Stage)
	}
	s.replies[req.Stage] = queue[1:]
	return queue[0].Text, queue[0].Err
}

// Calls returns every request received so far.
func (s *Script) Calls() []oracle.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]oracle.Request(nil), s.calls...)
}

// CallsFor returns the requests received for one stage.
func (s *Script) CallsFor(stage oracle.Stage) []oracle.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []oracle.Request
	for _, c := range s.calls {
		if c.Stage == stage {
			out = append(out, c)
		}
	}
	return out
}

// Remaining returns how many scripted replies are still queued for stage.
func (s *Script) Remaining(stage oracle.Stage) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.replies[stage])
}
