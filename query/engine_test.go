package query

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ddkit/ddk/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s)
}

func seedComponent(t *testing.T, e *Engine, componentID, componentType, logicalName, solutionName, publisher string, managed bool) {
	t.Helper()
	db := e.db
	require.NoError(t, store.UpsertComponent(db, store.Component{
		ComponentID:   componentID,
		ComponentType: componentType,
		ObjectID:      componentID,
		LogicalName:   logicalName,
		DisplayName:   logicalName,
	}))
	require.NoError(t, store.UpsertLayer(db, store.Layer{
		LayerID:      componentID + "-layer-0",
		ComponentID:  componentID,
		Ordinal:      0,
		SolutionID:   solutionName,
		SolutionName: solutionName,
		Publisher:    publisher,
		IsManaged:    managed,
		CreatedOn:    time.Now(),
	}))
}

func TestQuery_NoFilterReturnsAllComponents(t *testing.T) {
	e := newTestEngine(t)
	seedComponent(t, e, "c1", "Entity", "account", "Core", "Contoso", false)
	seedComponent(t, e, "c2", "Entity", "contact", "Core", "Contoso", false)

	res, err := e.Query(Request{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Len(t, res.Rows, 2)
	assert.NotEmpty(t, res.QueryID)
	require.NotNil(t, res.Stats)
	assert.False(t, res.Stats.UsedInMemoryFilter)
}

func TestQuery_AttributeEqualsIsPushedDown(t *testing.T) {
	e := newTestEngine(t)
	seedComponent(t, e, "c1", "Entity", "account", "Core", "Contoso", false)
	seedComponent(t, e, "c2", "Entity", "contact", "Core", "Contoso", false)

	res, err := e.Query(Request{Filter: &Node{Tag: TagAttribute, Field: "logicalName", Op: OpEquals, Value: "account"}})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "c1", res.Rows[0].ComponentID)
	assert.False(t, res.Stats.UsedInMemoryFilter)
}

func TestQuery_ManagedFilterPushesDown(t *testing.T) {
	e := newTestEngine(t)
	seedComponent(t, e, "c1", "Entity", "account", "Core", "Contoso", true)
	seedComponent(t, e, "c2", "Entity", "contact", "Core", "Contoso", false)

	res, err := e.Query(Request{Filter: &Node{Tag: TagManaged, Managed: true}})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "c1", res.Rows[0].ComponentID)
}

func TestQuery_OrderStrictIsResidualAndUsesLayers(t *testing.T) {
	e := newTestEngine(t)
	seedComponent(t, e, "c1", "Entity", "account", "Core", "Contoso", false)

	filter := &Node{Tag: TagOrderStrict, Pattern: [][]string{{"Core"}}}
	res, err := e.Query(Request{Filter: filter})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.True(t, res.Stats.UsedInMemoryFilter)
}

func TestQuery_OrderStrictRejectsWrongLayerCount(t *testing.T) {
	e := newTestEngine(t)
	seedComponent(t, e, "c1", "Entity", "account", "Core", "Contoso", false)

	filter := &Node{Tag: TagOrderStrict, Pattern: [][]string{{"Core"}, {"Patch"}}}
	res, err := e.Query(Request{Filter: filter})
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
}

func TestQuery_HasAnyMatchesSolutionOnTopLayer(t *testing.T) {
	e := newTestEngine(t)
	seedComponent(t, e, "c1", "Entity", "account", "Core", "Contoso", false)
	seedComponent(t, e, "c2", "Entity", "contact", "Other", "Contoso", false)

	res, err := e.Query(Request{Filter: &Node{Tag: TagHasAny, Solutions: []string{"Core"}}})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "c1", res.Rows[0].ComponentID)
}

func TestQuery_AndSplitsAcrossPushdownAndResidual(t *testing.T) {
	e := newTestEngine(t)
	seedComponent(t, e, "c1", "Entity", "account", "Core", "Contoso", false)
	seedComponent(t, e, "c2", "Entity", "contact", "Core", "Contoso", false)

	filter := &Node{Tag: TagAnd, Children: []*Node{
		{Tag: TagAttribute, Field: "componentType", Op: OpEquals, Value: "Entity"},
		{Tag: TagOrderStrict, Pattern: [][]string{{"Core"}}},
	}}
	res, err := e.Query(Request{Filter: filter})
	require.NoError(t, err)
	assert.Len(t, res.Rows, 2)
	assert.True(t, res.Stats.UsedInMemoryFilter)
	assert.Contains(t, res.Stats.PlanDescription, "pushdown=")
	assert.Contains(t, res.Stats.PlanDescription, "residual=")
}

func TestQuery_SortAndPageApplyAfterFilter(t *testing.T) {
	e := newTestEngine(t)
	seedComponent(t, e, "c1", "Entity", "bravo", "Core", "Contoso", false)
	seedComponent(t, e, "c2", "Entity", "alpha", "Core", "Contoso", false)
	seedComponent(t, e, "c3", "Entity", "charlie", "Core", "Contoso", false)

	res, err := e.Query(Request{
		Sort: []SortField{{Field: "logicalName"}},
		Skip: 1,
		Take: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "bravo", res.Rows[0].Fields["logicalName"])
}

func TestQuery_SelectFiltersReturnedFields(t *testing.T) {
	e := newTestEngine(t)
	seedComponent(t, e, "c1", "Entity", "account", "Core", "Contoso", false)

	res, err := e.Query(Request{Select: []string{"logicalName"}})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, map[string]interface{}{"logicalName": "account"}, res.Rows[0].Fields)
}

func TestQuery_NotBeginsWithUnderNotIsResidualAndMatchesCorrectly(t *testing.T) {
	e := newTestEngine(t)
	seedComponent(t, e, "c1", "Entity", "account", "Core", "Contoso", false)
	seedComponent(t, e, "c2", "Entity", "contact", "Core", "Contoso", false)

	// NOT(logicalName NOT_BEGINS_WITH "acc") should match only rows whose
	// logicalName does begin with "acc".
	filter := &Node{Tag: TagNot, Children: []*Node{
		{Tag: TagAttribute, Field: "logicalName", Op: OpNotBeginsWith, Value: "acc"},
	}}
	res, err := e.Query(Request{Filter: filter})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "c1", res.Rows[0].ComponentID)
}

func TestQuery_NotEndsWithUnderNotIsResidualAndMatchesCorrectly(t *testing.T) {
	e := newTestEngine(t)
	seedComponent(t, e, "c1", "Entity", "account", "Core", "Contoso", false)
	seedComponent(t, e, "c2", "Entity", "contact", "Core", "Contoso", false)

	filter := &Node{Tag: TagNot, Children: []*Node{
		{Tag: TagAttribute, Field: "logicalName", Op: OpNotEndsWith, Value: "unt"},
	}}
	res, err := e.Query(Request{Filter: filter})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "c1", res.Rows[0].ComponentID)
}

func TestSplit_HasAllOversizedSetFallsBackToResidual(t *testing.T) {
	solutions := make([]string, maxPushdownSolutionSet+1)
	for i := range solutions {
		solutions[i] = "s"
	}
	plan := Split(&Node{Tag: TagHasAll, Solutions: solutions})
	assert.Nil(t, plan.Pushdown)
	assert.NotNil(t, plan.Residual)
}

func TestSplit_NilFilterIsEmptyPlan(t *testing.T) {
	plan := Split(nil)
	assert.Nil(t, plan.Pushdown)
	assert.Nil(t, plan.Residual)
	assert.Equal(t, "empty", plan.Description)
}
