// Package tasks defines job handlers and the registries that map a task
// identifier to its handler.
//
// A registry is either a TaskList built in code or a directory loaded with
// Load, where every executable file becomes a handler.
package tasks

import (
	"context"
	"encoding/json"
	"sort"
)

// Job is what a handler sees of a claimed job.
type Job struct {
	ID          int64
	Identifier  string
	Payload     json.RawMessage
	Attempts    int32
	MaxAttempts int32
}

// Handler executes one job. A non-nil error fails the attempt; the job is
// retried later until it runs out of attempts.
type Handler func(ctx context.Context, job Job) error

// Registry resolves task identifiers to handlers. Implementations must be
// safe for concurrent use.
type Registry interface {
	Lookup(identifier string) (Handler, bool)
	// Names lists every identifier the registry can run, sorted.
	Names() []string
}

// TaskList is a fixed registry built in code.
type TaskList map[string]Handler

// Lookup implements Registry.
func (l TaskList) Lookup(identifier string) (Handler, bool) {
	h, ok := l[identifier]
	return h, ok && h != nil
}

// Names implements Registry.
func (l TaskList) Names() []string {
	names := make([]string, 0, len(l))
	for name, h := range l {
		if h != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
