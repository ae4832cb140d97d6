package lab

import (
	"go.temporal.io/sdk/worker"
)

// Registrar implements the registry.Registrar interface for lab workflows
type Registrar struct {
	activities *Activities
	taskQueue  string
}

// NewRegistrar creates a new lab workflow registrar
func NewRegistrar(activities *Activities, taskQueue string) *Registrar {
	return &Registrar{
		activities: activities,
		taskQueue:  taskQueue,
	}
}

// TaskQueue returns the task queue this registrar handles
func (r *Registrar) TaskQueue() string {
	return r.taskQueue
}

// Register registers all workflows and activities with the worker
func (r *Registrar) Register(w worker.Worker) {
	w.RegisterWorkflow(LabStepWorkflow)
	w.RegisterWorkflow(LabTeardownWorkflow)
	w.RegisterWorkflow(LabArtifactsWorkflow)

	w.RegisterActivity(r.activities)
}
