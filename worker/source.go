package worker

import (
	"context"
	"encoding/json"

	"github.com/ddkit/ddk/indexer"
	"github.com/ddkit/ddk/internal/errs"
	"github.com/ddkit/ddk/loader"
)

// pluginSource adapts a loaded plugin into indexer.Source: every fetch is
// a reserved-name Execute call so the plugin, which alone holds the remote
// service SDK and credentials, stays the single owner of the wire format.
// The worker only orchestrates phases and persistence.
type pluginSource struct {
	plugin loader.Plugin
}

func newPluginSource(p loader.Plugin) indexer.Source {
	return &pluginSource{plugin: p}
}

func (s *pluginSource) call(ctx context.Context, command string, req, resp interface{}) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return errs.Wrapf(err, "marshal %s request", command)
	}
	out, err := s.plugin.Execute(ctx, command, payload)
	if err != nil {
		return errs.Wrapf(err, "plugin source call %s", command)
	}
	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(out, resp); err != nil {
		return errs.Wrapf(err, "unmarshal %s response", command)
	}
	return nil
}

func (s *pluginSource) FetchSolutions(ctx context.Context, names []string) ([]indexer.SourceSolution, error) {
	var out struct {
		Solutions []indexer.SourceSolution `json:"solutions"`
	}
	err := s.call(ctx, "__indexer.fetchSolutions", map[string]interface{}{"names": names}, &out)
	return out.Solutions, err
}

func (s *pluginSource) FetchSolutionComponents(ctx context.Context, solutionID string) ([]indexer.SourceComponentRef, error) {
	var out struct {
		Components []indexer.SourceComponentRef `json:"components"`
	}
	err := s.call(ctx, "__indexer.fetchSolutionComponents", map[string]interface{}{"solutionId": solutionID}, &out)
	return out.Components, err
}

func (s *pluginSource) FetchComponentLayers(ctx context.Context, objectID string) ([]indexer.SourceLayerRef, error) {
	var out struct {
		Layers []indexer.SourceLayerRef `json:"layers"`
	}
	err := s.call(ctx, "__indexer.fetchComponentLayers", map[string]interface{}{"objectId": objectID}, &out)
	return out.Layers, err
}

func (s *pluginSource) FetchComponentJSON(ctx context.Context, objectID string, ordinal int) (string, error) {
	var out struct {
		ComponentJSON string `json:"componentJson"`
	}
	err := s.call(ctx, "__indexer.fetchComponentJson", map[string]interface{}{"objectId": objectID, "ordinal": ordinal}, &out)
	return out.ComponentJSON, err
}

func (s *pluginSource) FetchTableLogicalName(ctx context.Context, objectID string) (string, error) {
	var out struct {
		TableLogicalName string `json:"tableLogicalName"`
	}
	err := s.call(ctx, "__indexer.fetchTableLogicalName", map[string]interface{}{"objectId": objectID}, &out)
	return out.TableLogicalName, err
}

func (s *pluginSource) FetchChangedAttributes(ctx context.Context, objectID string, ordinal int) (map[string]bool, error) {
	var out struct {
		Changed map[string]bool `json:"changed"`
	}
	err := s.call(ctx, "__indexer.fetchChangedAttributes", map[string]interface{}{"objectId": objectID, "ordinal": ordinal}, &out)
	return out.Changed, err
}
