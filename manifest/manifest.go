// Package manifest reads the project manifest (package.json) as a
// read-only input. Only the dependency-shaped fields are consumed;
// configuration-file loading and workspace traversal are out of scope
// for this subsystem, so Manifest carries workspace glob strings
// verbatim without resolving them.
package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/bhuvanprakash/jhol/models"
)

// Manifest is the subset of package.json jhol's core consumes.
type Manifest struct {
	Name                 string `json:"name"`
	Version              string `json:"version"`
	Dependencies         map[string]string `json:"dependencies"`
	DevDependencies      map[string]string `json:"devDependencies"`
	PeerDependencies     map[string]string `json:"peerDependencies"`
	PeerDependenciesMeta map[string]models.PeerDepMetaEntry `json:"peerDependenciesMeta"`
	OptionalDependencies map[string]string `json:"optionalDependencies"`
	Workspaces           []string `json:"workspaces"`
}

// Load reads and parses a package.json file.
func Load(path string) (m Manifest, err error) {
	f, err := os.Open(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to open manifest %s: %w", path, err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses a package.json document from a reader.
func Decode(r io.Reader) (m Manifest, err error) {
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("failed to parse manifest: %w", err)
	}
	return m, nil
}

// Requirements flattens the manifest's dependency maps into
// (name, range, kind) triples. Dev dependencies are included because
// the root manifest's direct dependency ranges (regular and dev) are
// mandatory; peer dependencies declared directly on the root are
// likewise mandatory, modified by peerDependenciesMeta.optional.
func (m Manifest) Requirements() []models.Requirement {
	var reqs []models.Requirement
	for name, rng := range m.Dependencies {
		reqs = append(reqs, models.Requirement{Name: name, Range: rng, Kind: models.KindRegular})
	}
	for name, rng := range m.DevDependencies {
		reqs = append(reqs, models.Requirement{Name: name, Range: rng, Kind: models.KindDev})
	}
	for name, rng := range m.PeerDependencies {
		kind := models.KindPeer
		if meta, ok := m.PeerDependenciesMeta[name]; ok && meta.Optional {
			kind = models.KindOptionalPeer
		}
		reqs = append(reqs, models.Requirement{Name: name, Range: rng, Kind: kind})
	}
	for name, rng := range m.OptionalDependencies {
		reqs = append(reqs, models.Requirement{Name: name, Range: rng, Kind: models.KindRegular})
	}
	return reqs
}
