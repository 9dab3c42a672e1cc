// Package dna compiles DNA definitions written in CUE.
//
// A DNA names its zomes, each zome's entry definitions and, optionally,
// the link tags it accepts:
//
//	dna: {
//		name: "forum"
//		zomes: posts: {
//			link_tags: ["comment"]
//			entry_defs: post: {
//				visibility:               "public"
//				required_validation_type: "full"
//				schema: title: string & != "Banana"
//				reason: "No Bananas!"
//			}
//		}
//	}
//
// Zomes and entry defs keep their declaration order, which is the order
// validation callbacks run in. The compiled Definition also provides a
// SchemaEvaluator per zome, so a DNA can be validated without writing Go.
package dna
