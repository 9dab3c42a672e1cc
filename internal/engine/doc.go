// Package engine runs a cell's validation pipeline.
//
// A Cell owns three consumers, one per workflow stage:
//
//	sys_validation -> app_validation -> integration
//
// Each consumer sleeps on a Trigger. A pass that moves an op forward
// signals the stages downstream of it; a pass that leaves work behind
// signals itself. Signals sent while a consumer is busy coalesce, so a
// burst of received ops costs one extra pass, not one per op.
//
// Passes are paced by a rate limiter. Retry counts of ops waiting on
// unresolved dependencies therefore grow at most at the pass rate.
//
// Failure model:
//   - Evaluator and storage errors are logged and retried on the next signal.
//   - An *ir.InvariantError means the store holds a state the pipeline can
//     never legally produce. The consumer stops and Run returns a
//     *StageError so the operator can run Verify.
//
// Ordering:
// Integration sequence numbers come from Clock, resumed from the store on
// start. They never depend on wall-clock time. Wall-clock time is only
// used to age unresolved ops for abandonment.
//
// Drain runs the same stages synchronously until a round makes no
// progress. The CLI and the scenario harness use it for deterministic
// runs.
package engine
