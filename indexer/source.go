// Package indexer implements the Indexer Pipeline (spec.md §4.9): a
// level-sorted, parallel fetch of a remote service's layered component model
// into the per-connection embedded store.
package indexer

import (
	"context"
	"time"
)

// SourceSolution is one remote-service solution record as fetched for the
// solutions phase.
type SourceSolution struct {
	SolutionID   string
	UniqueName   string
	FriendlyName string
	Publisher    string
	IsManaged    bool
	Version      string
}

// SourceComponentRef is a component's membership record within one solution.
type SourceComponentRef struct {
	ObjectID      string
	ComponentType string
	TypeCode      int
	LogicalName   string
	DisplayName   string
	// IsEntityScoped marks components (attribute, form, view, ...) whose
	// tableLogicalName must be resolved against the metadata cache.
	IsEntityScoped bool
}

// SourceLayerRef is one layer contribution to a component, in base-to-top
// order as the remote service returns it.
type SourceLayerRef struct {
	SolutionID   string
	SolutionName string
	Publisher    string
	IsManaged    bool
	Version      string
	CreatedOn    time.Time
}

// Source is the remote-service contract the pipeline pulls from. A plugin
// supplies the concrete implementation (typically backed by a
// clientfactory-manufactured client); this package only depends on the
// shape of the data, never the transport.
type Source interface {
	// FetchSolutions returns every solution matching any of names.
	FetchSolutions(ctx context.Context, names []string) ([]SourceSolution, error)
	// FetchSolutionComponents returns the component membership of solutionID.
	FetchSolutionComponents(ctx context.Context, solutionID string) ([]SourceComponentRef, error)
	// FetchComponentLayers returns objectID's layer stack, base first.
	FetchComponentLayers(ctx context.Context, objectID string) ([]SourceLayerRef, error)
	// FetchComponentJSON returns the raw componentJson payload for one layer.
	FetchComponentJSON(ctx context.Context, objectID string, ordinal int) (string, error)
	// FetchTableLogicalName resolves an entity-scoped component's owning
	// table, used once per table and cached for the run.
	FetchTableLogicalName(ctx context.Context, objectID string) (string, error)
	// FetchChangedAttributes returns the set of attribute names the source
	// system's change record enumerates for one layer.
	FetchChangedAttributes(ctx context.Context, objectID string, ordinal int) (map[string]bool, error)
}
