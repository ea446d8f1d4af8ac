// Package domain defines the tenant-scoped entities of the exposure
// platform: uploads, exposure versions, locations, hazard datasets, runs and
// the derived results the pipeline engines produce.
package domain

import "fmt"

// Role is the closed set of user roles.
type Role string

const (
	RoleAdmin    Role = "ADMIN"
	RoleOps      Role = "OPS"
	RoleAnalyst  Role = "ANALYST"
	RoleAuditor  Role = "AUDITOR"
	RoleReadOnly Role = "READ_ONLY"
)

// CanMutate reports whether the role may invoke mutating control-plane
// operations.
func (r Role) CanMutate() bool {
	return r == RoleAdmin || r == RoleOps
}

// CanTrigger reports whether the role may trigger scoring, rollup and
// evaluation runs. ANALYST sits between the mutating roles and the read-only
// roles.
func (r Role) CanTrigger() bool {
	return r.CanMutate() || r == RoleAnalyst
}

// RunType identifies the pipeline stage a Run executes. The set grows over
// time; unknown values are tolerated on read and rejected on write.
type RunType string

const (
	RunValidation         RunType = "VALIDATION"
	RunCommit             RunType = "COMMIT"
	RunGeocode            RunType = "GEOCODE"
	RunOverlay            RunType = "OVERLAY"
	RunRollup             RunType = "ROLLUP"
	RunBreachEval         RunType = "BREACH_EVAL"
	RunDrift              RunType = "DRIFT"
	RunResilienceScore    RunType = "RESILIENCE_SCORE"
	RunPropertyEnrichment RunType = "PROPERTY_ENRICHMENT"
	RunUWEval             RunType = "UW_EVAL"
)

var knownRunTypes = map[RunType]bool{
	RunValidation: true, RunCommit: true, RunGeocode: true, RunOverlay: true,
	RunRollup: true, RunBreachEval: true, RunDrift: true,
	RunResilienceScore: true, RunPropertyEnrichment: true, RunUWEval: true,
}

// Validate rejects run types outside the known set. Reads skip this check for
// forward compatibility.
func (t RunType) Validate() error {
	if !knownRunTypes[t] {
		return fmt.Errorf("unknown run type %q", t)
	}
	return nil
}

// RunStatus is the Run state machine state.
type RunStatus string

const (
	RunQueued    RunStatus = "QUEUED"
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// validRunTransitions enumerates the allowed state machine edges.
// QUEUED→CANCELLED covers a worker observing cancellation before start.
var validRunTransitions = map[RunStatus][]RunStatus{
	RunQueued:  {RunRunning, RunCancelled},
	RunRunning: {RunSucceeded, RunFailed, RunCancelled},
}

// CanTransition reports whether from→to is a legal Run transition.
func (s RunStatus) CanTransition(to RunStatus) bool {
	for _, next := range validRunTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// BreachStatus is the breach lifecycle state.
type BreachStatus string

const (
	BreachOpen     BreachStatus = "OPEN"
	BreachAcked    BreachStatus = "ACKED"
	BreachResolved BreachStatus = "RESOLVED"
)

// validBreachTransitions: OPEN→ACKED, OPEN→RESOLVED, ACKED→RESOLVED,
// RESOLVED→OPEN (reopen).
var validBreachTransitions = map[BreachStatus][]BreachStatus{
	BreachOpen:     {BreachAcked, BreachResolved},
	BreachAcked:    {BreachResolved},
	BreachResolved: {BreachOpen},
}

// CanTransition reports whether from→to is a legal breach transition.
func (s BreachStatus) CanTransition(to BreachStatus) bool {
	for _, next := range validBreachTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// DriftClass classifies one drift detail row.
type DriftClass string

const (
	DriftNew      DriftClass = "NEW"
	DriftRemoved  DriftClass = "REMOVED"
	DriftModified DriftClass = "MODIFIED"
)

// Order returns the stable sort rank for drift details: NEW, REMOVED,
// MODIFIED, then anything unknown.
func (c DriftClass) Order() int {
	switch c {
	case DriftNew:
		return 0
	case DriftRemoved:
		return 1
	case DriftModified:
		return 2
	default:
		return 99
	}
}

// Severity ranks validation issues. Lower index sorts first.
type Severity string

const (
	SeverityError Severity = "ERROR"
	SeverityWarn  Severity = "WARN"
	SeverityInfo  Severity = "INFO"
)

// Index returns the sort rank of the severity (ERROR < WARN < INFO).
func (s Severity) Index() int {
	switch s {
	case SeverityError:
		return 0
	case SeverityWarn:
		return 1
	case SeverityInfo:
		return 2
	default:
		return 3
	}
}
