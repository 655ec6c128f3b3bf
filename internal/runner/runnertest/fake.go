// Package runnertest provides an in-memory runner.Runner for tests.
package runnertest

import (
	"context"
	"strings"
	"sync"
)

// Result is the scripted outcome of a command
type Result struct {
	ExitCode int
	Output   string
	Err      error
	// Hook runs before the result is returned, e.g. to create the
	// directory a clone would have produced.
	Hook func(dir string)
}

// Call records a single invocation
type Call struct {
	Command string
	Dir     string
	Env     []string
	Capture bool
}

// Fake implements runner.Runner. Results are matched by the first
// registered substring contained in the command line; unmatched commands
// succeed with empty output.
type Fake struct {
	mu       sync.Mutex
	patterns []string
	results  map[string]Result
	calls    []Call
}

// New creates an empty Fake
func New() *Fake {
	return &Fake{results: make(map[string]Result)}
}

// On registers the result for commands containing substr
func (f *Fake) On(substr string, result Result) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.results[substr]; !ok {
		f.patterns = append(f.patterns, substr)
	}
	f.results[substr] = result
	return f
}

// Run implements runner.Runner
func (f *Fake) Run(_ context.Context, command, dir string, env []string) (int, error) {
	res := f.record(Call{Command: command, Dir: dir, Env: env})
	return res.ExitCode, res.Err
}

// RunCapture implements runner.Runner
func (f *Fake) RunCapture(_ context.Context, command, dir string, env []string) (string, error) {
	res := f.record(Call{Command: command, Dir: dir, Env: env, Capture: true})
	if res.Err != nil {
		return "", res.Err
	}
	return res.Output, nil
}

// Calls returns a copy of all recorded invocations in order
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Commands returns the recorded command lines in order
func (f *Fake) Commands() []string {
	calls := f.Calls()
	cmds := make([]string, 0, len(calls))
	for _, c := range calls {
		cmds = append(cmds, c.Command)
	}
	return cmds
}

func (f *Fake) record(call Call) Result {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	var res Result
	for _, p := range f.patterns {
		if strings.Contains(call.Command, p) {
			res = f.results[p]
			break
		}
	}
	f.mu.Unlock()

	if res.Hook != nil {
		res.Hook(call.Dir)
	}
	return res
}
