package store

import "time"

// Solution is a named, publisher-owned collection of components.
type Solution struct {
	SolutionID   string
	UniqueName   string
	FriendlyName string
	Publisher    string
	IsManaged    bool
	Version      string
	IsSource     bool
	IsTarget     bool
}

// Component is a named, typed unit in the remote service's data model.
type Component struct {
	ComponentID       string
	ComponentType     string
	TypeCode          int
	ObjectID          string
	LogicalName       string
	DisplayName       string
	TableLogicalName  string
}

// Layer is one versioned contribution to a component by one solution.
type Layer struct {
	LayerID       string
	ComponentID   string
	Ordinal       int
	SolutionID    string
	SolutionName  string
	Publisher     string
	IsManaged     bool
	Version       string
	CreatedOn     time.Time
	ComponentJSON string
}

// LayerAttribute is a single top-level field extracted from a Layer's
// componentJSON.
type LayerAttribute struct {
	AttributeID    string
	LayerID        string
	Name           string
	FormattedValue string
	RawValue       string
	TypeTag        string
	IsComplex      bool
	IsChanged      bool
}

// Artifact is a cached payload associated with a component/solution pair.
type Artifact struct {
	ArtifactID  string
	ComponentID string
	SolutionID  string
	PayloadType string
	PayloadText string
	CachedOn    time.Time
}

// IndexOperationStatus enumerates an IndexOperation's lifecycle state.
type IndexOperationStatus string

const (
	IndexInProgress IndexOperationStatus = "InProgress"
	IndexCompleted  IndexOperationStatus = "Completed"
	IndexFailed     IndexOperationStatus = "Failed"
)

// IndexOperation tracks one StartIndex run. Once Completed or Failed, Stats
// and Error are immutable.
type IndexOperation struct {
	OperationID string
	Status      IndexOperationStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	StatsJSON   string
	Warnings    []string
	Error       string
}
