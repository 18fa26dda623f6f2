// Package tasks tracks long-running tool invocations.
//
// The Registry is an actor: one goroutine owns every Task and the exported
// methods send it work over a channel. RunSteps drives a stepped invocation
// through the registry, checking for cooperative cancellation between steps
// and removing the task however the run ends.
package tasks
