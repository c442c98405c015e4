package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ddkit/ddk/internal/errs"
	"github.com/ddkit/ddk/model"
	"github.com/ddkit/ddk/store"
)

const defaultMaxParallel = 8

// StartIndexRequest mirrors spec.md §4.9's StartIndex payload.
type StartIndexRequest struct {
	ConnectionID          string
	SourceSolutions       []string
	TargetSolutions       []string
	IncludeComponentTypes []string
	MaxParallel           int
	PayloadMode           string // "lazy" | "eager"
}

// StartIndexResponse is StartIndex's immediate acknowledgment.
type StartIndexResponse struct {
	OperationID string
	Started     bool
}

// IndexStats aggregates per-phase counts, persisted as the operation's
// statsJson on completion.
type IndexStats struct {
	Solutions  int `json:"solutions"`
	Components int `json:"components"`
	Layers     int `json:"layers"`
	Attributes int `json:"attributes"`
}

// IndexMetadata answers GetIndexMetadata.
type IndexMetadata struct {
	HasIndex        bool
	SourceSolutions []string
	TargetSolutions []string
	Stats           *IndexStats
}

// Pipeline runs StartIndex operations against one connection's embedded
// store, pulling from Source and emitting progress/completion events through
// emit (normally plugincontext.Context.EmitEvent).
type Pipeline struct {
	store  *store.Store
	source Source
	emit   func(model.Event)
	log    *zap.SugaredLogger

	mu      sync.Mutex
	running bool
}

// New builds a Pipeline bound to s, pulling from source and emitting events
// through emit.
func New(s *store.Store, source Source, emit func(model.Event), log *zap.SugaredLogger) *Pipeline {
	return &Pipeline{store: s, source: source, emit: emit, log: log}
}

// StartIndex validates req, records a new InProgress IndexOperation, and
// runs the four-phase pipeline in the background. Returns as soon as the
// operation is recorded.
func (p *Pipeline) StartIndex(req StartIndexRequest) (*StartIndexResponse, error) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil, errs.Mark(errs.New("index already running for this connection"), errs.ErrIndexInProgress)
	}
	p.running = true
	p.mu.Unlock()

	if req.MaxParallel <= 0 {
		req.MaxParallel = defaultMaxParallel
	}
	if req.PayloadMode == "" {
		req.PayloadMode = "lazy"
	}

	operationID := uuid.NewString()
	startedAt := time.Now()
	if err := store.CreateIndexOperation(p.store.DB(), operationID, startedAt); err != nil {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		return nil, errs.Mark(errs.Wrap(err, "create index operation"), errs.ErrIndexStartFailed)
	}

	go p.run(context.Background(), operationID, req)

	return &StartIndexResponse{OperationID: operationID, Started: true}, nil
}

func (p *Pipeline) run(ctx context.Context, operationID string, req StartIndexRequest) {
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	emitter := newProgressEmitter(p.emit, req.ConnectionID)

	stats := &IndexStats{}
	var warnings []string

	sols, err := p.solutionsPhase(ctx, req, emitter, stats)
	if err != nil {
		p.fail(operationID, err)
		return
	}

	componentIDs, err := p.componentsPhase(ctx, req, sols, emitter, stats)
	if err != nil {
		p.fail(operationID, err)
		return
	}

	layersByObject, err := p.layersPhase(ctx, req, componentIDs, emitter, stats)
	if err != nil {
		p.fail(operationID, err)
		return
	}

	if err := p.attributesPhase(ctx, req, layersByObject, emitter, stats); err != nil {
		p.fail(operationID, err)
		return
	}

	statsJSON, _ := json.Marshal(stats)
	warningsJSON, _ := json.Marshal(warnings)
	if err := store.CompleteIndexOperation(p.store.DB(), operationID, store.IndexCompleted, string(statsJSON), string(warningsJSON), "", time.Now()); err != nil {
		p.log.Errorw("failed to finalize index operation", "operationId", operationID, "error", err)
		return
	}

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	p.emit(model.Event{
		Type:      model.EventIndexComplete,
		Timestamp: time.Now(),
		Payload:   mustJSON(map[string]interface{}{"operationId": operationID, "success": true, "stats": stats, "warnings": warnings}),
	})
}

func (p *Pipeline) fail(operationID string, cause error) {
	msg := cause.Error()
	if err := store.CompleteIndexOperation(p.store.DB(), operationID, store.IndexFailed, "{}", "[]", msg, time.Now()); err != nil {
		p.log.Errorw("failed to record index failure", "operationId", operationID, "error", err)
	}
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	p.emit(model.Event{
		Type:      model.EventIndexComplete,
		Timestamp: time.Now(),
		Payload:   mustJSON(map[string]interface{}{"operationId": operationID, "success": false, "errorMessage": msg}),
	})
}

// solutionsPhase fetches and upserts the union of source and target
// solutions, tagging each with its isSource/isTarget membership.
func (p *Pipeline) solutionsPhase(ctx context.Context, req StartIndexRequest, emitter *progressEmitter, stats *IndexStats) ([]SourceSolution, error) {
	sourceSet := toSet(req.SourceSolutions)
	targetSet := toSet(req.TargetSolutions)
	names := unionNames(req.SourceSolutions, req.TargetSolutions)

	sols, err := p.source.FetchSolutions(ctx, names)
	if err != nil {
		return nil, errs.Wrap(err, "fetch solutions")
	}

	err = p.store.WithWriteLock(func(db *sql.DB) error {
		for _, s := range sols {
			row := store.Solution{
				SolutionID: s.SolutionID, UniqueName: s.UniqueName, FriendlyName: s.FriendlyName,
				Publisher: s.Publisher, IsManaged: s.IsManaged, Version: s.Version,
				IsSource: sourceSet[s.UniqueName], IsTarget: targetSet[s.UniqueName],
			}
			if err := store.UpsertSolution(db, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	stats.Solutions = len(sols)
	emitter.emit("solutions", 100, len(sols), len(sols))
	return sols, nil
}

// localComponent tracks what the pipeline needs about a deduplicated
// component across the remaining phases.
type localComponent struct {
	ref         SourceComponentRef
	componentID string
}

// componentsPhase fetches each solution's membership in parallel (bounded by
// req.MaxParallel), deduplicates by objectId, and upserts.
func (p *Pipeline) componentsPhase(ctx context.Context, req StartIndexRequest, sols []SourceSolution, emitter *progressEmitter, stats *IndexStats) (map[string]*localComponent, error) {
	includeTypes := toSet(req.IncludeComponentTypes)

	var mu sync.Mutex
	byObject := make(map[string]*localComponent)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(req.MaxParallel)

	var done int32
	total := int32(len(sols))

	for _, sol := range sols {
		sol := sol
		g.Go(func() error {
			refs, err := p.source.FetchSolutionComponents(gctx, sol.SolutionID)
			if err != nil {
				return errs.Wrapf(err, "fetch components for solution %s", sol.SolutionID)
			}
			mu.Lock()
			for _, r := range refs {
				if len(includeTypes) > 0 && !includeTypes[r.ComponentType] {
					continue
				}
				if _, exists := byObject[r.ObjectID]; !exists {
					byObject[r.ObjectID] = &localComponent{ref: r}
				}
			}
			done++
			emitter.emit("components", percent(done, total), int(done), int(total))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	tableCache := make(map[string]string)
	err := p.store.WithWriteLock(func(db *sql.DB) error {
		for objectID, lc := range byObject {
			tableLogicalName := ""
			if lc.ref.IsEntityScoped {
				if cached, ok := tableCache[lc.ref.ComponentType]; ok {
					tableLogicalName = cached
				} else {
					name, err := p.source.FetchTableLogicalName(ctx, objectID)
					if err != nil {
						return errs.Wrapf(err, "resolve table logical name for %s", objectID)
					}
					tableCache[lc.ref.ComponentType] = name
					tableLogicalName = name
				}
			}

			componentID := uuid.NewString()
			if err := store.UpsertComponent(db, store.Component{
				ComponentID: componentID, ComponentType: lc.ref.ComponentType, TypeCode: lc.ref.TypeCode,
				ObjectID: objectID, LogicalName: lc.ref.LogicalName, DisplayName: lc.ref.DisplayName,
				TableLogicalName: tableLogicalName,
			}); err != nil {
				return errs.Wrapf(err, "upsert component %s", objectID)
			}

			persisted, err := store.GetComponentByObjectID(db, objectID)
			if err != nil {
				return err
			}
			lc.componentID = persisted.ComponentID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	stats.Components = len(byObject)
	return byObject, nil
}

// fetchedLayer bundles a SourceLayerRef with its assigned ordinal, persisted
// layerId, and optional eagerly-fetched componentJson.
type fetchedLayer struct {
	SourceLayerRef
	ordinal       int
	layerID       string
	componentJSON string
}

// layersPhase fetches each component's layer stack in parallel, assigns
// dense ordinals, and persists.
func (p *Pipeline) layersPhase(ctx context.Context, req StartIndexRequest, components map[string]*localComponent, emitter *progressEmitter, stats *IndexStats) (map[string][]fetchedLayer, error) {
	var mu sync.Mutex
	byObject := make(map[string][]fetchedLayer)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(req.MaxParallel)

	var done int32
	total := int32(len(components))

	for objectID, lc := range components {
		objectID, lc := objectID, lc
		g.Go(func() error {
			refs, err := p.source.FetchComponentLayers(gctx, objectID)
			if err != nil {
				return errs.Wrapf(err, "fetch layers for component %s", objectID)
			}

			layers := make([]fetchedLayer, 0, len(refs))
			for ordinal, ref := range refs {
				fl := fetchedLayer{SourceLayerRef: ref, ordinal: ordinal, layerID: uuid.NewString()}
				if req.PayloadMode == "eager" {
					cjson, err := p.source.FetchComponentJSON(gctx, objectID, ordinal)
					if err != nil {
						return errs.Wrapf(err, "fetch componentJson for %s ordinal %d", objectID, ordinal)
					}
					fl.componentJSON = cjson
				}
				layers = append(layers, fl)
			}

			if err := p.store.WithWriteLock(func(db *sql.DB) error {
				for _, fl := range layers {
					if err := store.UpsertLayer(db, store.Layer{
						LayerID: fl.layerID, ComponentID: lc.componentID, Ordinal: fl.ordinal,
						SolutionID: fl.SolutionID, SolutionName: fl.SolutionName, Publisher: fl.Publisher,
						IsManaged: fl.IsManaged, Version: fl.Version, CreatedOn: fl.CreatedOn,
						ComponentJSON: fl.componentJSON,
					}); err != nil {
						return errs.Wrapf(err, "upsert layer %s/%d", objectID, fl.ordinal)
					}
				}
				return nil
			}); err != nil {
				return err
			}

			mu.Lock()
			byObject[objectID] = layers
			done++
			emitter.emit("layers", percent(done, total), int(done), int(total))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	layerCount := 0
	for _, ls := range byObject {
		layerCount += len(ls)
	}
	stats.Layers = layerCount
	return byObject, nil
}

// attributesPhase normalizes and extracts top-level attributes for every
// layer whose componentJson payload was fetched in this run (eager mode); in
// lazy mode no layer carries one and nothing is extracted.
func (p *Pipeline) attributesPhase(ctx context.Context, req StartIndexRequest, layersByObject map[string][]fetchedLayer, emitter *progressEmitter, stats *IndexStats) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(req.MaxParallel)

	var done int32
	total := int32(len(layersByObject))
	var attrCount int32

	for objectID, layers := range layersByObject {
		objectID, layers := objectID, layers
		g.Go(func() error {
			for _, fl := range layers {
				if fl.componentJSON == "" {
					continue
				}
				doc, err := normalizeComponentJSON(fl.componentJSON)
				if err != nil {
					continue // malformed payload: the layer is skipped without logging
				}
				changed, err := p.source.FetchChangedAttributes(gctx, objectID, fl.ordinal)
				if err != nil {
					return errs.Wrapf(err, "fetch changed attributes for %s ordinal %d", objectID, fl.ordinal)
				}

				rows := make([]store.LayerAttribute, 0, len(doc))
				for name, val := range doc {
					formatted, rawJSON, typeTag, complex := describeValue(val)
					rows = append(rows, store.LayerAttribute{
						AttributeID: uuid.NewString(), LayerID: fl.layerID, Name: name,
						FormattedValue: formatted, RawValue: rawJSON, TypeTag: typeTag,
						IsComplex: complex, IsChanged: changed[name],
					})
				}

				if err := p.store.WithWriteLock(func(db *sql.DB) error {
					for _, row := range rows {
						if err := store.UpsertLayerAttribute(db, row); err != nil {
							return err
						}
					}
					return nil
				}); err != nil {
					return err
				}

				atomic.AddInt32(&attrCount, int32(len(rows)))
			}

			newDone := atomic.AddInt32(&done, 1)
			emitter.emit("attributes", percent(newDone, total), int(newDone), int(total))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	stats.Attributes = int(attrCount)
	return nil
}

// GetIndexMetadata reports the store's current index state.
func (p *Pipeline) GetIndexMetadata() (*IndexMetadata, error) {
	sols, err := store.ListSolutions(p.store.DB())
	if err != nil {
		return nil, err
	}
	op, err := store.LatestIndexOperation(p.store.DB())
	if err != nil {
		return nil, err
	}

	md := &IndexMetadata{HasIndex: op != nil && op.Status == store.IndexCompleted}
	for _, s := range sols {
		if s.IsSource {
			md.SourceSolutions = append(md.SourceSolutions, s.UniqueName)
		}
		if s.IsTarget {
			md.TargetSolutions = append(md.TargetSolutions, s.UniqueName)
		}
	}
	if op != nil && op.StatsJSON != "" {
		var stats IndexStats
		if json.Unmarshal([]byte(op.StatsJSON), &stats) == nil {
			md.Stats = &stats
		}
	}
	return md, nil
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(fmt.Sprintf(`{"marshalError":%q}`, err.Error()))
	}
	return b
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[s] = true
	}
	return set
}

func unionNames(a, b []string) []string {
	set := toSet(a)
	for _, s := range b {
		set[s] = true
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

func percent(done, total int32) int {
	if total == 0 {
		return 100
	}
	return int(done * 100 / total)
}
