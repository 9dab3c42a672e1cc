// Package workflow implements the three pipeline stages that move ops
// from Pending towards Integrated or Rejected.
//
// Each stage is a single pass over the full current candidate set:
//
//	SysValidation  structural and provenance checks, never guest code
//	AppValidation  zome callbacks through an Evaluator
//	Integration    abandonment, then the atomic move out of Pending
//
// A pass returns a Result whose Complete flag tells the caller whether
// anything was left waiting. Stages never call each other; the engine
// wires them together with triggers.
//
// Every pass reads through a fresh cascade opened at its start and closed
// at its end. Verdicts for sys and app validation are written in one
// transaction per pass; integration writes one transaction per op.
package workflow
