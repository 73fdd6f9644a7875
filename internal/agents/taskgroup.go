package agents

import (
	"context"
	"fmt"
	"sync"

	"phaseforge/internal/metrics"
)

// FileResult is the joined outcome of one file task.
type FileResult struct {
	Path        string
	File        FileOutput
	Fixed       bool
	Tier        FixTier
	Explanation string
	Err         error
}

// FileTask produces the final version of one file.
type FileTask func(ctx context.Context) (FixOutcome, error)

type fileTask struct {
	path    string
	done    chan struct{}
	outcome FixOutcome
	err     error
}

// FileTaskGroup is an explicit wait-all over per-file tasks. Tasks may
// finish in any order; Wait reports them keyed by path in the order they
// were added, and one task failing never cancels another.
type FileTaskGroup struct {
	mu    sync.Mutex
	tasks []*fileTask
}

// wait reports whether the task finished before ctx ended. A finished task
// always wins over an expired context.
func (t *fileTask) wait(ctx context.Context) bool {
	select {
	case <-t.done:
		return true
	default:
	}
	select {
	case <-t.done:
		return true
	case <-ctx.Done():
		return false
	}
}

// NewFileTaskGroup creates an empty group.
func NewFileTaskGroup() *FileTaskGroup {
	return &FileTaskGroup{}
}

func (g *FileTaskGroup) add(p string) *fileTask {
	t := &fileTask{path: p, done: make(chan struct{})}
	g.mu.Lock()
	g.tasks = append(g.tasks, t)
	g.mu.Unlock()
	return t
}

// Go starts fn in its own goroutine. A panic inside fn fails only that task.
func (g *FileTaskGroup) Go(ctx context.Context, p string, fn FileTask) {
	t := g.add(p)
	go func() {
		defer close(t.done)
		defer func() {
			if r := recover(); r != nil {
				t.err = fmt.Errorf("file task %s panicked: %v", p, r)
			}
		}()
		t.outcome, t.err = fn(ctx)
	}()
}

// Resolve adds a task that is already complete.
func (g *FileTaskGroup) Resolve(p string, file FileOutput) {
	t := g.add(p)
	t.outcome = FixOutcome{File: file}
	close(t.done)
}

// Fail adds a task that already failed.
func (g *FileTaskGroup) Fail(p string, err error) {
	t := g.add(p)
	t.err = err
	close(t.done)
}

// Len returns the number of tasks added so far.
func (g *FileTaskGroup) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.tasks)
}

// Paths returns task paths in the order they were added.
func (g *FileTaskGroup) Paths() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.tasks))
	for i, t := range g.tasks {
		out[i] = t.path
	}
	return out
}

// Wait joins every task. When ctx ends first, unfinished tasks are reported
// with ctx's error and abandoned.
func (g *FileTaskGroup) Wait(ctx context.Context) []FileResult {
	g.mu.Lock()
	tasks := append([]*fileTask(nil), g.tasks...)
	g.mu.Unlock()

	m := metrics.Get()
	results := make([]FileResult, 0, len(tasks))
	for _, t := range tasks {
		r := FileResult{Path: t.path}
		if t.wait(ctx) {
			r.File = t.outcome.File
			r.Fixed = t.outcome.Fixed
			r.Tier = t.outcome.Tier
			r.Explanation = t.outcome.Explanation
			r.Err = t.err
		} else {
			r.Err = fmt.Errorf("file task %s abandoned: %w", t.path, ctx.Err())
		}
		switch {
		case r.Err != nil:
			m.TaskResultsTotal.WithLabelValues("failed").Inc()
		case r.Fixed:
			m.TaskResultsTotal.WithLabelValues("fixed").Inc()
		default:
			m.TaskResultsTotal.WithLabelValues("unchanged").Inc()
		}
		results = append(results, r)
	}
	return results
}

// Succeeded splits results into finalized files and failures.
func Succeeded(results []FileResult) (files []FileOutput, failed []FileResult) {
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r)
			continue
		}
		files = append(files, r.File)
	}
	return files, failed
}
