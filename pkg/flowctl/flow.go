package flowctl

import "context"

// Record is the per-run handle a step function receives: its id and its
// mutable state map, carried across steps and persisted between them.
// Named after original_source/flows/pr_flow/definition.py's `record`
// parameter.
type Record struct {
	ID    string
	State map[string]any
}

type outcomeKind int

const (
	outcomeContinue outcomeKind = iota
	outcomeFail
	outcomeComplete
	outcomePause
)

// StepOutcome is a step function's result: continue to one or more named
// next steps, fail the run, complete it, or pause it for external input.
// Ported from original_source/flows/pr_flow/definition.py's
// StepOutcome.{continue_to,fail,complete} trichotomy; Pause is added here
// because spec.md §4.M requires a `step_paused` terminal-per-step event
// that the filtered original_source snapshot's usage sites never exercise
// (core/flows.py, where StepOutcome itself is defined, is not present in
// the pack) -- its shape is inferred from the continue/fail/complete
// constructors' symmetry.
type StepOutcome struct {
	Kind      outcomeKind
	NextSteps []string
	Output    map[string]any
	Reason    string
}

// ContinueTo advances the flow to the first of nextSteps, merging output
// into the run's state.
func ContinueTo(nextSteps []string, output map[string]any) StepOutcome {
	return StepOutcome{Kind: outcomeContinue, NextSteps: nextSteps, Output: output}
}

// Fail terminates the run as failed with reason.
func Fail(reason string) StepOutcome {
	return StepOutcome{Kind: outcomeFail, Reason: reason}
}

// Complete terminates the run as completed, merging output into state.
func Complete(output map[string]any) StepOutcome {
	return StepOutcome{Kind: outcomeComplete, Output: output}
}

// Pause suspends the run pending external input (e.g. a ticket-flow
// dispatch or human feedback); ResumeFlow continues from the same step.
func Pause(reason string, output map[string]any) StepOutcome {
	return StepOutcome{Kind: outcomePause, Reason: reason, Output: output}
}

// StepFunc is one named step in a FlowDefinition.
type StepFunc func(ctx context.Context, rec *Record, input map[string]any) (StepOutcome, error)

// FlowDefinition is a named, registered flow: a starting step and a set
// of named steps wired together by each step's own NextSteps fan-out.
type FlowDefinition struct {
	Type  string
	Start string
	Steps map[string]StepFunc
}
