package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hupe1980/bitharbor/embedding"
	"github.com/hupe1980/bitharbor/errs"
	"github.com/hupe1980/bitharbor/model"
)

// ErrMalformedBundle is returned for a bundle that cannot be ingested as given.
var ErrMalformedBundle = errs.New(errs.ErrData, "malformed bundle")

// SideAsset is an auxiliary file such as a poster or a subtitle track.
type SideAsset struct {
	Kind string `json:"kind"`
	Path string `json:"path"`
}

// Bundle is the output of acquisition: the primary asset, its side assets and
// loosely structured metadata.
type Bundle struct {
	PrimaryAssetPath string         `json:"primary_asset_path"`
	SideAssets       []SideAsset    `json:"side_assets,omitempty"`
	RawMetadata      map[string]any `json:"raw_metadata,omitempty"`

	// MediaType falls back to RawMetadata["media_type"].
	MediaType model.MediaType `json:"media_type,omitempty"`
	// MediaID falls back to RawMetadata["media_id"], then to an id derived
	// from the content hash.
	MediaID string `json:"media_id,omitempty"`
	// Modality falls back to the media type's default.
	Modality embedding.Modality `json:"modality,omitempty"`
}

// LoadBundle reads a JSON bundle. Relative asset paths are resolved against
// the bundle file's directory.
func LoadBundle(path string) (Bundle, error) {
	var b Bundle
	data, err := os.ReadFile(path)
	if err != nil {
		return b, fmt.Errorf("%w: %v", ErrMalformedBundle, err)
	}
	if err := json.Unmarshal(data, &b); err != nil {
		return b, fmt.Errorf("%w: %s: %v", ErrMalformedBundle, path, err)
	}
	dir := filepath.Dir(path)
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	b.PrimaryAssetPath = resolve(b.PrimaryAssetPath)
	for i := range b.SideAssets {
		b.SideAssets[i].Path = resolve(b.SideAssets[i].Path)
	}
	return b, nil
}

type resolved struct {
	mediaType model.MediaType
	mediaID   string
	modality  embedding.Modality
}

func (b *Bundle) resolve() (resolved, error) {
	var r resolved
	if b.PrimaryAssetPath == "" {
		return r, fmt.Errorf("%w: no primary asset", ErrMalformedBundle)
	}
	if err := regularFile(b.PrimaryAssetPath); err != nil {
		return r, err
	}
	for _, sa := range b.SideAssets {
		if strings.TrimSpace(sa.Kind) == "" {
			return r, fmt.Errorf("%w: side asset %s has no kind", ErrMalformedBundle, sa.Path)
		}
		if err := regularFile(sa.Path); err != nil {
			return r, err
		}
	}

	r.mediaType = b.MediaType
	if r.mediaType == model.MediaUnknown {
		if s, ok := b.RawMetadata["media_type"].(string); ok {
			t, err := model.ParseMediaType(s)
			if err != nil {
				return r, fmt.Errorf("%w: %v", ErrMalformedBundle, err)
			}
			r.mediaType = t
		}
	}
	if !r.mediaType.Valid() {
		return r, fmt.Errorf("%w: unknown media type", ErrMalformedBundle)
	}

	r.mediaID = b.MediaID
	if r.mediaID == "" {
		if s, ok := b.RawMetadata["media_id"].(string); ok {
			r.mediaID = s
		}
	}

	hint := string(b.Modality)
	if hint == "" {
		hint, _ = b.RawMetadata["modality"].(string)
	}
	if hint == "" {
		r.modality = embedding.ModalityFor(r.mediaType)
		return r, nil
	}
	m, err := embedding.ParseModality(hint)
	if err != nil {
		return r, fmt.Errorf("%w: %v", ErrMalformedBundle, err)
	}
	r.modality = m
	return r, nil
}

func regularFile(p string) error {
	fi, err := os.Stat(p)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedBundle, err)
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrMalformedBundle, p)
	}
	return nil
}
