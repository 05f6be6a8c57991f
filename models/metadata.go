// Package models holds the registry wire types jhol decodes: the
// abbreviated packument format, and the version record nested inside
// it.
package models

import (
	"encoding/json"
	"time"
)

// AbbreviatedPackage is the registry metadata document for a single
// package name: an ordered mapping from version string to AbbreviatedVersion,
// plus dist-tags (e.g. "latest").
type AbbreviatedPackage struct {
	Name     string                        `json:"name"`
	Modified time.Time                     `json:"modified,omitempty"`
	DistTags map[string]string             `json:"dist-tags"`
	Versions map[string]AbbreviatedVersion `json:"versions"`
}

// AbbreviatedVersion is one published version's dependency-resolution
// fields: dependencies, peerDependencies, peerDependenciesMeta,
// optionalDependencies, and dist (tarball_url/integrity/shasum).
type AbbreviatedVersion struct {
	Name                 string                     `json:"name"`
	Version              string                     `json:"version"`
	Deprecated           json.RawMessage            `json:"deprecated,omitempty"`
	Dist                 *Dist                      `json:"dist"`
	Dependencies         map[string]string          `json:"dependencies,omitempty"`
	OptionalDependencies map[string]string          `json:"optionalDependencies,omitempty"`
	DevDependencies      map[string]string          `json:"devDependencies,omitempty"`
	BundledDependencies  []string                   `json:"bundledDependencies,omitempty"`
	PeerDependencies     map[string]string          `json:"peerDependencies,omitempty"`
	PeerDependenciesMeta map[string]PeerDepMetaEntry `json:"peerDependenciesMeta,omitempty"`
	Engines              json.RawMessage            `json:"engines,omitempty"`
}

// PeerDepMetaEntry carries the "optional" flag: when true, the peer
// constraint it modifies is soft and is dropped if the peer is never
// selected.
type PeerDepMetaEntry struct {
	Optional bool `json:"optional,omitempty"`
}

// Dist carries tarball location and integrity information.
type Dist struct {
	Integrity    string `json:"integrity,omitempty"`
	Shasum       string `json:"shasum"`
	Tarball      string `json:"tarball"`
	FileCount    int    `json:"fileCount,omitempty"`
	UnpackedSize int64  `json:"unpackedSize,omitempty"`
}

// RequirementKind distinguishes the four requirement kinds.
type RequirementKind string

const (
	KindRegular      RequirementKind = "regular"
	KindDev          RequirementKind = "dev"
	KindPeer         RequirementKind = "peer"
	KindOptionalPeer RequirementKind = "optional-peer"
)

// Requirement is the (name, range, kind) triple a resolve consumes.
type Requirement struct {
	Name  string
	Range string
	Kind  RequirementKind
}
