package model

import (
	"encoding/json"
	"fmt"
)

// Kind tags the shape of a task payload.
type Kind string

// Task kinds understood by the engine.
const (
	KindAnalysis    Kind = "analysis"
	KindMeshing     Kind = "meshing"
	KindPostprocess Kind = "postprocess"
	KindIncremental Kind = "incremental"
	KindBatchUpdate Kind = "batch_update"
)

// Kinds lists every task kind in a stable order.
var Kinds = []Kind{KindAnalysis, KindMeshing, KindPostprocess, KindIncremental, KindBatchUpdate}

// Payload is the data handed to an execution backend. The set of
// implementations is closed: every payload is tagged with its Kind and can be
// validated before the task is accepted.
type Payload interface {
	Kind() Kind
	Validate() error
}

// MaxSteps bounds the number of solver steps a single task may request.
const MaxSteps = 100000

// AnalysisPayload requests a staged analysis pass over a mesh.
type AnalysisPayload struct {
	MeshID string `json:"mesh_id"`
	Stage  string `json:"stage,omitempty"`
	Steps  int    `json:"steps"`
}

func (AnalysisPayload) Kind() Kind { return KindAnalysis }

func (p AnalysisPayload) Validate() error {
	if p.MeshID == "" {
		return &ValidationError{Field: "payload.mesh_id", Reason: "is required"}
	}
	return validateSteps(p.Steps)
}

// MeshingPayload requests mesh generation for a geometry.
type MeshingPayload struct {
	GeometryID string  `json:"geometry_id"`
	TargetSize float64 `json:"target_size"`
	Steps      int     `json:"steps"`
}

func (MeshingPayload) Kind() Kind { return KindMeshing }

func (p MeshingPayload) Validate() error {
	if p.GeometryID == "" {
		return &ValidationError{Field: "payload.geometry_id", Reason: "is required"}
	}
	if p.TargetSize <= 0 {
		return &ValidationError{Field: "payload.target_size", Reason: "must be positive"}
	}
	return validateSteps(p.Steps)
}

// PostprocessPayload derives result fields from a finished task.
type PostprocessPayload struct {
	SourceTaskID string   `json:"source_task_id"`
	Fields       []string `json:"fields"`
	Steps        int      `json:"steps"`
}

func (PostprocessPayload) Kind() Kind { return KindPostprocess }

func (p PostprocessPayload) Validate() error {
	if p.SourceTaskID == "" {
		return &ValidationError{Field: "payload.source_task_id", Reason: "is required"}
	}
	if len(p.Fields) == 0 {
		return &ValidationError{Field: "payload.fields", Reason: "must not be empty"}
	}
	return validateSteps(p.Steps)
}

// IncrementalPayload recomputes the region touched by a single update.
type IncrementalPayload struct {
	BaseTaskID string            `json:"base_task_id,omitempty"`
	Update     IncrementalUpdate `json:"update"`
}

func (IncrementalPayload) Kind() Kind { return KindIncremental }

func (p IncrementalPayload) Validate() error {
	return p.Update.Validate()
}

// BatchUpdatePayload recomputes several overlapping updates in one pass.
type BatchUpdatePayload struct {
	BaseTaskID string              `json:"base_task_id,omitempty"`
	Updates    []IncrementalUpdate `json:"updates"`
}

func (BatchUpdatePayload) Kind() Kind { return KindBatchUpdate }

func (p BatchUpdatePayload) Validate() error {
	if len(p.Updates) == 0 {
		return &ValidationError{Field: "payload.updates", Reason: "must not be empty"}
	}
	for i, u := range p.Updates {
		if err := u.Validate(); err != nil {
			return fmt.Errorf("update %d: %w", i, err)
		}
	}
	return nil
}

// Region returns the smallest sphere enclosing every update region.
func (p BatchUpdatePayload) Region() Region {
	regions := make([]Region, len(p.Updates))
	for i, u := range p.Updates {
		regions[i] = u.AffectedRegion
	}
	return Enclose(regions...)
}

func validateSteps(steps int) error {
	if steps <= 0 || steps > MaxSteps {
		return &ValidationError{Field: "payload.steps", Reason: fmt.Sprintf("must be in [1, %d]", MaxSteps)}
	}
	return nil
}

// DecodePayload decodes the JSON form of a payload for the given kind.
func DecodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return nil, &ValidationError{Field: "payload", Reason: "is required"}
	}

	var (
		p   Payload
		err error
	)
	switch kind {
	case KindAnalysis:
		var v AnalysisPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindMeshing:
		var v MeshingPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindPostprocess:
		var v PostprocessPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindIncremental:
		var v IncrementalPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case KindBatchUpdate:
		var v BatchUpdatePayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", kind)}
	}
	if err != nil {
		return nil, &ValidationError{Field: "payload", Reason: err.Error()}
	}
	return p, nil
}
