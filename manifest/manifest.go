// Package manifest validates the plugin manifest the Host reads at plugin
// discovery time (spec.md §6, supplemented by SPEC_FULL.md §4.11).
package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/ddkit/ddk/internal/errs"
)

// Backend describes where the plugin binary lives and how to invoke it.
type Backend struct {
	Assembly   string `json:"assembly"`
	EntryPoint string `json:"entryPoint"`
}

// Host describes version requirements the manifest places on the Host.
type Host struct {
	Requires string `json:"requires,omitempty"`
}

// Manifest is the on-disk JSON shape. Unknown fields are ignored by
// encoding/json's default decode behavior.
type Manifest struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Version     string                 `json:"version"`
	Description string                 `json:"description"`
	Backend     Backend                `json:"backend"`
	HostReq     Host                   `json:"host,omitempty"`
	UI          map[string]interface{} `json:"ui,omitempty"`

	dir string
}

// Load reads and validates the manifest at path, resolving backend.assembly
// relative to the manifest's own directory.
func Load(path string, hostVersion *semver.Version) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrapf(err, "read manifest %s", path)
	}

	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, errs.Wrapf(err, "parse manifest %s", path)
	}
	m.dir = filepath.Dir(path)

	if err := m.validate(hostVersion); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate(hostVersion *semver.Version) error {
	if m.ID == "" || m.Name == "" {
		return errs.Mark(errs.New("manifest missing id or name"), errs.ErrInvalidRequest)
	}
	if m.Backend.Assembly == "" {
		return errs.Mark(errs.New("manifest missing backend.assembly"), errs.ErrInvalidRequest)
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return errs.Mark(errs.Wrapf(err, "manifest version %q is not valid semver", m.Version), errs.ErrInvalidRequest)
	}

	if m.HostReq.Requires != "" && hostVersion != nil {
		constraint, err := semver.NewConstraint(m.HostReq.Requires)
		if err != nil {
			return errs.Mark(errs.Wrapf(err, "manifest host.requires %q is not a valid constraint", m.HostReq.Requires), errs.ErrInvalidRequest)
		}
		if !constraint.Check(hostVersion) {
			return errs.Mark(errs.Newf("plugin %s requires host %s, have %s", m.ID, m.HostReq.Requires, hostVersion), errs.ErrPluginInitFailed)
		}
	}

	assemblyPath, err := m.AssemblyPath()
	if err != nil {
		return err
	}
	if info, err := os.Stat(assemblyPath); err != nil || info.IsDir() {
		return errs.Mark(errs.Newf("plugin assembly not found at %s", assemblyPath), errs.ErrInvalidRequest)
	}
	return nil
}

// AssemblyPath resolves backend.assembly relative to the manifest directory
// and rejects any path that escapes that directory (path traversal guard).
func (m *Manifest) AssemblyPath() (string, error) {
	joined := filepath.Join(m.dir, m.Backend.Assembly)
	cleanDir, err := filepath.Abs(m.dir)
	if err != nil {
		return "", errs.Wrap(err, "resolve manifest directory")
	}
	cleanJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", errs.Wrap(err, "resolve assembly path")
	}
	if !strings.HasPrefix(cleanJoined, cleanDir+string(filepath.Separator)) && cleanJoined != cleanDir {
		return "", errs.Mark(errs.Newf("backend.assembly %q escapes plugin directory", m.Backend.Assembly), errs.ErrInvalidRequest)
	}
	return cleanJoined, nil
}

// Discover scans dir for *.ddkplugin.json manifests.
func Discover(dir string, hostVersion *semver.Version) ([]*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Wrapf(err, "read plugin dir %s", dir)
	}

	var out []*Manifest
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".ddkplugin.json") {
			continue
		}
		m, err := Load(filepath.Join(dir, e.Name()), hostVersion)
		if err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
