// Package bundle implements the Bundle Builder: it produces a
// canonical, content-addressable directory tree from a Configuration —
// ro-crate-metadata.json, config/config.json, config/extensions-config.json,
// workflows/<name>.cwl, inputs/inputs.json, inputs/datasets/* — with stable
// file ordering and stable JSON encoding so identical configurations always
// serialize to identical bytes.
package bundle

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/daloraclehub/dalcore/internal/apperrors"
	"github.com/daloraclehub/dalcore/internal/configstore"
	"github.com/daloraclehub/dalcore/internal/objectstore"
)

// Bundle is the canonical, immutable byte layout built from a Configuration.
type Bundle struct {
	Files []objectstore.File // lexicographically ordered by Path
}

// Digest returns a local, deterministic digest of the bundle's bytes,
// usable as a deployment idempotency key before the object store assigns
// its own content identifier.
func (b Bundle) Digest() string {
	return objectstore.Digest(b.Files)
}

// DatasetFetcher loads the bytes for a dataset location. The builder
// fetches every dataset, then inlines those at or under the configured
// threshold; a larger dataset is referenced by its prior content
// identifier instead of inlined — the location string is already that
// identifier.
type DatasetFetcher interface {
	Fetch(location string) ([]byte, error)
}

// Builder produces canonical Bundles from Configurations.
type Builder struct {
	fetcher             DatasetFetcher
	inlineMaxBytes      int64
}

// NewBuilder constructs a Builder. inlineMaxBytes is the bundle-manifest
// inlining threshold: datasets at or under this size are inlined; larger
// ones are referenced by content identifier.
func NewBuilder(fetcher DatasetFetcher, inlineMaxBytes int64) *Builder {
	return &Builder{fetcher: fetcher, inlineMaxBytes: inlineMaxBytes}
}

// roCrateMetadata is generated from the configuration only — no clock, no
// random — so the bundle's identity depends solely on configuration content.
type roCrateMetadata struct {
	ProjectID    string   `json:"projectId"`
	Type         string   `json:"@type"`
	DatasetIDs   []string `json:"datasetIds"`
	WorkflowIDs  []string `json:"workflowIds"`
	ModelIDs     []string `json:"modelIds"`
	Extensions   []string `json:"extensionNames"`
}

// inputsBinding is the runtime input binding written to inputs/inputs.json.
type inputsBinding struct {
	Datasets map[string]datasetBinding `json:"datasets"`
}

type datasetBinding struct {
	Role     string `json:"role"`
	Format   string `json:"format"`
	Inline   bool   `json:"inline"`
	Location string `json:"location"` // relative path if inline, else content identifier
}

// manifestEntry records the inline/reference policy decision for one
// dataset so identity is deterministic and auditable.
type manifestEntry struct {
	DatasetID string `json:"dataset_id"`
	Inline    bool   `json:"inline"`
	SizeBytes int    `json:"size_bytes,omitempty"`
}

// Build produces a canonical Bundle from cfg. Every step is a pure
// function of cfg's content (excluding LastModified, which bundle
// identity must ignore): re-publishing an identical configuration yields
// an identical content identifier.
func (b *Builder) Build(cfg configstore.Configuration) (Bundle, error) {
	if err := configstore.Validate(cfg); err != nil {
		return Bundle{}, err
	}

	datasetIDs := sortedKeys(cfg.Datasets)
	workflowIDs := sortedKeys(cfg.Workflows)
	modelIDs := sortedKeys(cfg.Models)
	extensionNames := sortedExtensionKeys(cfg.Extensions)

	meta := roCrateMetadata{
		ProjectID:   cfg.ProjectID,
		Type:        "ResearchBundle",
		DatasetIDs:  datasetIDs,
		WorkflowIDs: workflowIDs,
		ModelIDs:    modelIDs,
		Extensions:  extensionNames,
	}
	metaJSON, err := canonicalMarshal(meta)
	if err != nil {
		return Bundle{}, err
	}

	mlConfig := map[string]any{
		"models":   cfg.Models,
		"datasets": datasetRoles(cfg.Datasets),
	}
	configJSON, err := canonicalMarshal(mlConfig)
	if err != nil {
		return Bundle{}, err
	}

	extConfigJSON, err := canonicalMarshal(cfg.Extensions)
	if err != nil {
		return Bundle{}, err
	}

	var files []objectstore.File
	files = append(files,
		objectstore.File{Path: "ro-crate-metadata.json", Data: metaJSON},
		objectstore.File{Path: "config/config.json", Data: configJSON},
		objectstore.File{Path: "config/extensions-config.json", Data: extConfigJSON},
	)

	for _, id := range workflowIDs {
		wf := cfg.Workflows[id]
		files = append(files, objectstore.File{
			Path: fmt.Sprintf("workflows/%s.cwl", id),
			Data: []byte(wf.CWL),
		})
	}

	binding := inputsBinding{Datasets: make(map[string]datasetBinding, len(datasetIDs))}
	var manifest []manifestEntry

	for _, id := range datasetIDs {
		ds := cfg.Datasets[id]
		data, inline, err := b.resolveDataset(ds)
		if err != nil {
			return Bundle{}, err
		}
		if inline {
			path := fmt.Sprintf("inputs/datasets/%s", id)
			files = append(files, objectstore.File{Path: path, Data: data})
			binding.Datasets[id] = datasetBinding{Role: string(ds.Role), Format: ds.Format, Inline: true, Location: path}
			manifest = append(manifest, manifestEntry{DatasetID: id, Inline: true, SizeBytes: len(data)})
		} else {
			binding.Datasets[id] = datasetBinding{Role: string(ds.Role), Format: ds.Format, Inline: false, Location: ds.Location}
			manifest = append(manifest, manifestEntry{DatasetID: id, Inline: false})
		}
	}

	inputsJSON, err := canonicalMarshal(binding)
	if err != nil {
		return Bundle{}, err
	}
	files = append(files, objectstore.File{Path: "inputs/inputs.json", Data: inputsJSON})

	manifestJSON, err := canonicalMarshal(manifest)
	if err != nil {
		return Bundle{}, err
	}
	files = append(files, objectstore.File{Path: "inputs/datasets-manifest.json", Data: manifestJSON})

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })

	return Bundle{Files: files}, nil
}

// resolveDataset decides, per the configured threshold, whether to inline
// ds's bytes or keep it as a reference to its existing content identifier.
func (b *Builder) resolveDataset(ds configstore.Dataset) (data []byte, inline bool, err error) {
	if b.fetcher == nil {
		return nil, false, nil
	}
	data, err = b.fetcher.Fetch(ds.Location)
	if err != nil {
		return nil, false, apperrors.Wrap(err, apperrors.ErrorTypeTransient, "fetch dataset for bundling")
	}
	if int64(len(data)) > b.inlineMaxBytes {
		return nil, false, nil
	}
	return data, true, nil
}

func datasetRoles(datasets map[string]configstore.Dataset) map[string]string {
	out := make(map[string]string, len(datasets))
	for id, d := range datasets {
		out[id] = string(d.Role)
	}
	return out
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedExtensionKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// canonicalMarshal renders v with sorted map keys (encoding/json's default
// for map[string]X) and no HTML-escaping surprises, matching "stable JSON
// encoding, sorted keys, no trailing whitespace".
func canonicalMarshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternalInvariant, "canonical marshal")
	}
	out := bytes.TrimRight(buf.Bytes(), "\n")
	return out, nil
}
