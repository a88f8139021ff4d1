// Package workflow defines step-based workflows and the runner that executes
// them inside an isolated executor process.
//
// A [Definition] names a start step and a map of steps. Each step is one of
//
//	TaskStep      run a handler, with optional input/output JSON schemas
//	PassStep      emit a fixed result or a transform of the context
//	ChoiceStep    branch on ordered conditions
//	ParallelStep  run sub-workflows concurrently, output is an array
//	PollStep      repeat a check until it reports done
//	LoopStep      repeat a body until a condition holds
//
// Non-choice steps name a Next step or set End. Failed steps are retried per
// the step's [RetryPolicy], falling back to the definition's DefaultRetry.
//
// Definitions are compiled into the binary and looked up by name through a
// [Registry]; the orchestrator and the executor build the same registry.
package workflow
