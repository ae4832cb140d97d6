package registry

import (
	"fmt"

	"go.temporal.io/sdk/worker"
)

// Registrar wires one workflow package's workflows and activities into a worker
type Registrar interface {
	// TaskQueue returns the task queue name this registrar handles
	TaskQueue() string

	// Register registers all workflows and activities with the worker
	Register(w worker.Worker)
}

// RegisterAll registers the registrars bound to taskQueue and returns how
// many matched. A worker polling a queue nothing registered on is a
// misconfiguration, so zero matches is an error.
func RegisterAll(w worker.Worker, registrars []Registrar, taskQueue string) (int, error) {
	n := 0
	for _, r := range registrars {
		if r.TaskQueue() == taskQueue {
			r.Register(w)
			n++
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("no workflows registered for task queue %q", taskQueue)
	}
	return n, nil
}
