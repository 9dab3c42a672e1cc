package store

import (
	"time"

	"github.com/roach88/holdfast/internal/ir"
	"github.com/roach88/holdfast/internal/validation"
)

// Stage is the pipeline stage a pending op is waiting for.
type Stage string

const (
	StageSysValidation Stage = "sys_validation"
	StageAppValidation Stage = "app_validation"
	StageIntegration   Stage = "integration"
	// StageDone marks ops that no stage will pick up again.
	StageDone Stage = "done"
)

// Stages lists the active stages in pipeline order.
var Stages = []Stage{StageSysValidation, StageAppValidation, StageIntegration}

func (s Stage) next() Stage {
	switch s {
	case StageSysValidation:
		return StageAppValidation
	case StageAppValidation:
		return StageIntegration
	default:
		return StageDone
	}
}

// OpRecord is an op together with its lifecycle bookkeeping.
type OpRecord struct {
	Hash         ir.Hash
	Op           ir.Op
	HeaderHash   ir.Hash
	Scope        ir.Scope
	Stage        Stage
	Status       ir.ValidationStatus
	Reason       string
	Missing      []ir.Hash
	Retries      int
	FirstSeen    time.Time
	MissingSince time.Time
	Seq          int64
}

// Prior is the record's state as seen by the status model.
func (r OpRecord) Prior() validation.Prior {
	return validation.Prior{Status: r.Status, Integrated: r.Scope == ir.ScopeIntegrated}
}

// Verdict is a status transition to record for one op.
type Verdict struct {
	Op         ir.Hash
	Transition validation.Transition
}

// IntegrateResult reports what Integrate did.
type IntegrateResult struct {
	// Integrated is true when the op moved into the integrated scope.
	Integrated bool
	// Already is true when the op was integrated before the call.
	Already bool
	// Missing lists prerequisites that are not integrated yet.
	Missing []ir.Hash
	Seq     int64
}

// Counts summarises op membership.
type Counts struct {
	Authored   int           `json:"authored"`
	Pending    int           `json:"pending"`
	Integrated int           `json:"integrated"`
	Rejected   int           `json:"rejected"`
	Abandoned  int           `json:"abandoned"`
	ByStage    map[Stage]int `json:"by_stage"`
}

// metaKind tags rows of the meta table.
type metaKind string

const (
	metaActivity   metaKind = "activity"
	metaLink       metaKind = "link"
	metaLinkRemove metaKind = "link_remove"
	metaUpdate     metaKind = "update"
	metaDelete     metaKind = "delete"
)
