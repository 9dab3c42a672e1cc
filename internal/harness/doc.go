// Package harness runs scripted scenarios against a real cell.
//
// A scenario names a DNA, a sequence of steps and the assertions that
// must hold afterwards:
//
//	name: banana_post_rejected
//	dna: ../dna/forum.cue
//	steps:
//	  - agent: alice
//	    genesis: true
//	  - agent: alice
//	    create: { as: post, zome: posts, entry: post, content: { title: Banana } }
//	  - deliver: { agent: alice }
//	  - drain: true
//	assertions:
//	  - type: status
//	    element: post
//	    op: StoreEntry
//	    scope: rejected
//	    reason: No Bananas!
//	  - type: verify
//
// Authoring steps build elements on an agent's chain and label them. The
// node only sees them once a deliver step hands their ops over, or
// immediately when the agent is the scenario's self. Drain runs the
// pipeline to quiescence. Advance moves the fake wall clock that
// abandonment is judged against.
//
// # Assertion Types
//
//   - status: scope, status or reason of one op of a labelled element
//   - counts: op counts per scope
//   - get: found, not_yet_available or not_held for an element or entry
//   - links: number of live links on a base
//   - activity: number of activity items for an agent
//   - verify: the store reports no invariant violations
//
// # Determinism
//
// Agent keys are derived from agent names and header timestamps come from
// a counter, so every hash in a run is reproducible. Snapshot renders the
// steps and the final op table for golden comparison.
package harness
