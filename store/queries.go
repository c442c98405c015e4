package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/ddkit/ddk/internal/errs"
)

// UpsertSolution inserts or updates a Solution row, keyed by solution_id.
// Matches the "upsert-idempotent" requirement for re-running StartIndex with
// identical parameters.
func UpsertSolution(db *sql.DB, s Solution) error {
	_, err := db.Exec(`
		INSERT INTO solutions (solution_id, unique_name, friendly_name, publisher, is_managed, version, is_source, is_target)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(solution_id) DO UPDATE SET
			unique_name=excluded.unique_name, friendly_name=excluded.friendly_name,
			publisher=excluded.publisher, is_managed=excluded.is_managed,
			version=excluded.version,
			is_source=(solutions.is_source OR excluded.is_source),
			is_target=(solutions.is_target OR excluded.is_target)
	`, s.SolutionID, s.UniqueName, s.FriendlyName, s.Publisher, s.IsManaged, s.Version, s.IsSource, s.IsTarget)
	if err != nil {
		return errs.Wrap(err, "upsert solution")
	}
	return nil
}

// UpsertComponent inserts or updates a Component row, deduplicated by
// object_id per §4.9 step 2.
func UpsertComponent(db *sql.DB, c Component) error {
	_, err := db.Exec(`
		INSERT INTO components (component_id, component_type, type_code, object_id, logical_name, display_name, table_logical_name)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(object_id) DO UPDATE SET
			component_type=excluded.component_type, type_code=excluded.type_code,
			logical_name=excluded.logical_name, display_name=excluded.display_name,
			table_logical_name=excluded.table_logical_name
	`, c.ComponentID, c.ComponentType, c.TypeCode, c.ObjectID, c.LogicalName, c.DisplayName, c.TableLogicalName)
	if err != nil {
		return errs.Wrap(err, "upsert component")
	}
	return nil
}

// UpsertLayer inserts or updates a Layer row, unique on (component_id, ordinal).
func UpsertLayer(db *sql.DB, l Layer) error {
	_, err := db.Exec(`
		INSERT INTO layers (layer_id, component_id, ordinal, solution_id, solution_name, publisher, is_managed, version, created_on, component_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(component_id, ordinal) DO UPDATE SET
			layer_id=excluded.layer_id, solution_id=excluded.solution_id, solution_name=excluded.solution_name,
			publisher=excluded.publisher, is_managed=excluded.is_managed, version=excluded.version,
			created_on=excluded.created_on, component_json=excluded.component_json
	`, l.LayerID, l.ComponentID, l.Ordinal, l.SolutionID, l.SolutionName, l.Publisher, l.IsManaged, l.Version,
		l.CreatedOn.Format(time.RFC3339), l.ComponentJSON)
	if err != nil {
		return errs.Wrap(err, "upsert layer")
	}
	return nil
}

// UpsertLayerAttribute inserts or updates a LayerAttribute row.
func UpsertLayerAttribute(db *sql.DB, a LayerAttribute) error {
	_, err := db.Exec(`
		INSERT INTO layer_attributes (attribute_id, layer_id, name, formatted_value, raw_value, type_tag, is_complex, is_changed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(attribute_id) DO UPDATE SET
			formatted_value=excluded.formatted_value, raw_value=excluded.raw_value,
			type_tag=excluded.type_tag, is_complex=excluded.is_complex, is_changed=excluded.is_changed
	`, a.AttributeID, a.LayerID, a.Name, a.FormattedValue, a.RawValue, a.TypeTag, a.IsComplex, a.IsChanged)
	if err != nil {
		return errs.Wrap(err, "upsert layer attribute")
	}
	return nil
}

// CreateIndexOperation inserts a new InProgress IndexOperation row.
func CreateIndexOperation(db *sql.DB, operationID string, startedAt time.Time) error {
	_, err := db.Exec(`
		INSERT INTO index_operations (operation_id, status, started_at) VALUES (?, ?, ?)
	`, operationID, string(IndexInProgress), startedAt.Format(time.RFC3339))
	return errs.Wrap(err, "create index operation")
}

// CompleteIndexOperation atomically flips an operation to Completed or
// Failed; once set, a second call is rejected (monotonicity invariant).
func CompleteIndexOperation(db *sql.DB, operationID string, status IndexOperationStatus, statsJSON, warningsJSON, errMsg string, completedAt time.Time) error {
	res, err := db.Exec(`
		UPDATE index_operations
		SET status = ?, stats_json = ?, warnings_json = ?, error = ?, completed_at = ?
		WHERE operation_id = ? AND status = ?
	`, string(status), statsJSON, warningsJSON, errMsg, completedAt.Format(time.RFC3339), operationID, string(IndexInProgress))
	if err != nil {
		return errs.Wrap(err, "complete index operation")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errs.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errs.Newf("index operation %s already finalized", operationID)
	}
	return nil
}

// GetComponentByObjectID looks up a component's current row by its stable
// objectId, used after UpsertComponent to learn the componentId actually
// persisted (unchanged across re-indexes of a component that already exists).
func GetComponentByObjectID(db *sql.DB, objectID string) (*Component, error) {
	row := db.QueryRow(`
		SELECT component_id, component_type, type_code, object_id, logical_name, display_name, table_logical_name
		FROM components WHERE object_id = ?
	`, objectID)
	var c Component
	err := row.Scan(&c.ComponentID, &c.ComponentType, &c.TypeCode, &c.ObjectID, &c.LogicalName, &c.DisplayName, &c.TableLogicalName)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(err, "query component by object id")
	}
	return &c, nil
}

// GetComponentLayers returns a component's layers ordered by ordinal.
func GetComponentLayers(db *sql.DB, componentID string) ([]Layer, error) {
	rows, err := db.Query(`
		SELECT layer_id, component_id, ordinal, solution_id, solution_name, publisher, is_managed, version, created_on, component_json
		FROM layers WHERE component_id = ? ORDER BY ordinal ASC
	`, componentID)
	if err != nil {
		return nil, errs.Wrap(err, "query component layers")
	}
	defer rows.Close()

	var out []Layer
	for rows.Next() {
		var l Layer
		var createdOn string
		if err := rows.Scan(&l.LayerID, &l.ComponentID, &l.Ordinal, &l.SolutionID, &l.SolutionName,
			&l.Publisher, &l.IsManaged, &l.Version, &createdOn, &l.ComponentJSON); err != nil {
			return nil, errs.Wrap(err, "scan layer")
		}
		l.CreatedOn, _ = time.Parse(time.RFC3339, createdOn)
		out = append(out, l)
	}
	return out, rows.Err()
}

// GetLayerAttributes returns all attributes for a layer.
func GetLayerAttributes(db *sql.DB, layerID string) ([]LayerAttribute, error) {
	rows, err := db.Query(`
		SELECT attribute_id, layer_id, name, formatted_value, raw_value, type_tag, is_complex, is_changed
		FROM layer_attributes WHERE layer_id = ?
	`, layerID)
	if err != nil {
		return nil, errs.Wrap(err, "query layer attributes")
	}
	defer rows.Close()

	var out []LayerAttribute
	for rows.Next() {
		var a LayerAttribute
		if err := rows.Scan(&a.AttributeID, &a.LayerID, &a.Name, &a.FormattedValue, &a.RawValue, &a.TypeTag, &a.IsComplex, &a.IsChanged); err != nil {
			return nil, errs.Wrap(err, "scan layer attribute")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListSolutions returns every indexed solution.
func ListSolutions(db *sql.DB) ([]Solution, error) {
	rows, err := db.Query(`
		SELECT solution_id, unique_name, friendly_name, publisher, is_managed, version, is_source, is_target
		FROM solutions
	`)
	if err != nil {
		return nil, errs.Wrap(err, "query solutions")
	}
	defer rows.Close()

	var out []Solution
	for rows.Next() {
		var s Solution
		if err := rows.Scan(&s.SolutionID, &s.UniqueName, &s.FriendlyName, &s.Publisher, &s.IsManaged, &s.Version, &s.IsSource, &s.IsTarget); err != nil {
			return nil, errs.Wrap(err, "scan solution")
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// LatestIndexOperation returns the most recently started IndexOperation, if
// any.
func LatestIndexOperation(db *sql.DB) (*IndexOperation, error) {
	row := db.QueryRow(`
		SELECT operation_id, status, started_at, completed_at, stats_json, warnings_json, error
		FROM index_operations ORDER BY started_at DESC LIMIT 1
	`)
	var op IndexOperation
	var startedAt string
	var completedAt sql.NullString
	var warningsJSON string
	if err := row.Scan(&op.OperationID, &op.Status, &startedAt, &completedAt, &op.StatsJSON, &warningsJSON, &op.Error); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errs.Wrap(err, "query latest index operation")
	}
	op.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339, completedAt.String)
		op.CompletedAt = &t
	}
	if warningsJSON != "" {
		_ = json.Unmarshal([]byte(warningsJSON), &op.Warnings)
	}
	return &op, nil
}

// LayerBySolution finds the layer for componentID contributed by the given
// solution unique name (used by the diff operation).
func LayerBySolution(db *sql.DB, componentID, solutionName string) (*Layer, error) {
	row := db.QueryRow(`
		SELECT layer_id, component_id, ordinal, solution_id, solution_name, publisher, is_managed, version, created_on, component_json
		FROM layers WHERE component_id = ? AND solution_name = ?
	`, componentID, solutionName)
	var l Layer
	var createdOn string
	err := row.Scan(&l.LayerID, &l.ComponentID, &l.Ordinal, &l.SolutionID, &l.SolutionName,
		&l.Publisher, &l.IsManaged, &l.Version, &createdOn, &l.ComponentJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(err, "query layer by solution")
	}
	l.CreatedOn, _ = time.Parse(time.RFC3339, createdOn)
	return &l, nil
}
