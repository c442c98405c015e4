package query

import (
	"github.com/ddkit/ddk/internal/errs"
	"github.com/ddkit/ddk/store"
)

// excludedAttributeNames are suppressed from diff output regardless of
// whether they differ; these are bookkeeping fields whose diffs are noise
// rather than signal.
var excludedAttributeNames = map[string]bool{
	"modifiedon":    true,
	"modifiedby":    true,
	"versionnumber": true,
}

// AttributeDiff is one row of a component diff between two solution layers.
type AttributeDiff struct {
	Name        string
	LeftValue   string
	RightValue  string
	TypeTag     string
	IsComplex   bool
	OnlyInLeft  bool
	OnlyInRight bool
	IsDifferent bool
}

// DiffResult is the response of the Diff operation.
type DiffResult struct {
	Attributes []AttributeDiff
	Warnings   []string
}

// DiffRequest is the wire payload for the query.diff Execute command.
type DiffRequest struct {
	ComponentID   string
	LeftSolution  string
	RightSolution string
}

// Diff compares the layer a componentId received from leftSolution against
// the one it received from rightSolution.
func Diff(s *store.Store, componentID, leftSolution, rightSolution string) (*DiffResult, error) {
	db := s.DB()

	left, err := store.LayerBySolution(db, componentID, leftSolution)
	if err != nil {
		return nil, errs.Wrap(err, "fetch left layer")
	}
	right, err := store.LayerBySolution(db, componentID, rightSolution)
	if err != nil {
		return nil, errs.Wrap(err, "fetch right layer")
	}

	result := &DiffResult{}
	if left == nil {
		result.Warnings = append(result.Warnings, "left solution has no layer for this component")
	}
	if right == nil {
		result.Warnings = append(result.Warnings, "right solution has no layer for this component")
	}
	if left == nil || right == nil {
		return result, nil
	}

	leftAttrs, err := store.GetLayerAttributes(db, left.LayerID)
	if err != nil {
		return nil, errs.Wrap(err, "fetch left attributes")
	}
	rightAttrs, err := store.GetLayerAttributes(db, right.LayerID)
	if err != nil {
		return nil, errs.Wrap(err, "fetch right attributes")
	}

	anyChanged := false
	leftByName := make(map[string]store.LayerAttribute, len(leftAttrs))
	for _, a := range leftAttrs {
		leftByName[a.Name] = a
	}
	rightByName := make(map[string]store.LayerAttribute, len(rightAttrs))
	for _, a := range rightAttrs {
		rightByName[a.Name] = a
		if a.IsChanged {
			anyChanged = true
		}
	}

	names := make(map[string]bool)
	for n := range leftByName {
		names[n] = true
	}
	for n := range rightByName {
		names[n] = true
	}

	for name := range names {
		if excludedAttributeNames[name] {
			continue
		}
		l, hasLeft := leftByName[name]
		r, hasRight := rightByName[name]

		d := AttributeDiff{Name: name, OnlyInLeft: hasLeft && !hasRight, OnlyInRight: hasRight && !hasLeft}
		if hasLeft {
			d.LeftValue = l.FormattedValue
			d.TypeTag = l.TypeTag
			d.IsComplex = l.IsComplex
		}
		if hasRight {
			d.RightValue = r.FormattedValue
			d.TypeTag = r.TypeTag
			d.IsComplex = r.IsComplex
		}
		d.IsDifferent = d.OnlyInLeft || d.OnlyInRight || d.LeftValue != d.RightValue
		result.Attributes = append(result.Attributes, d)
	}

	if !anyChanged {
		result.Warnings = append(result.Warnings, "no changed attributes recorded on right layer")
	}

	return result, nil
}
