package orchestrator

import (
	"github.com/zerozero/octolab/internal/domain/entity"
)

// Provisioning step keys, in execution order
const (
	StepResolveBlueprint     = "resolve_blueprint"
	StepBuildContainerBundle = "build_container_bundle"
	StepPullDependencies     = "pull_dependencies"
	StepRunSmokeTests        = "run_smoke_tests"
	StepConfigureNetworking  = "configure_networking"
)

// Teardown step keys, in execution order
const (
	StepStopContainers   = "stop_containers"
	StepCleanupResources = "cleanup_resources"
	StepCollectEvidence  = "collect_evidence"
	StepGenerateReport   = "generate_report"
)

type stepDef struct {
	key      string
	name     string
	granular bool
}

var provisioningSteps = []stepDef{
	{StepResolveBlueprint, "Resolve blueprint", false},
	{StepBuildContainerBundle, "Build container bundle", true},
	{StepPullDependencies, "Pull dependencies", false},
	{StepRunSmokeTests, "Run smoke tests", false},
	{StepConfigureNetworking, "Configure networking", false},
}

var teardownSteps = []stepDef{
	{StepStopContainers, "Stop containers", false},
	{StepCleanupResources, "Clean up resources", false},
	{StepCollectEvidence, "Collect evidence", false},
	{StepGenerateReport, "Generate report", false},
}

// StepName returns the display name of a provisioning or teardown step key
func StepName(key string) string {
	for _, defs := range [][]stepDef{provisioningSteps, teardownSteps} {
		for _, d := range defs {
			if d.key == key {
				return d.name
			}
		}
	}
	return key
}

// pendingSteps renders a step list before its pipeline starts
func pendingSteps(defs []stepDef) []entity.Step {
	out := make([]entity.Step, len(defs))
	for i, d := range defs {
		out[i] = entity.Step{ID: i, Key: d.key, Name: d.name, Status: entity.StepStatusPending}
		if d.granular {
			zero := 0
			out[i].Progress = &zero
		}
	}
	return out
}
