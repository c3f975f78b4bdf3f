package ingest

import (
	"maps"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hupe1980/bitharbor/cas"
	"github.com/hupe1980/bitharbor/metadata"
	"github.com/hupe1980/bitharbor/model"
)

// buildRecord assembles the metadata record committed at the end of an ingest.
func buildRecord(b Bundle, a *attempt, put cas.PutResult, vh model.VectorHash, sides sideAssets) *metadata.Record {
	raw := maps.Clone(b.RawMetadata)
	if raw == nil {
		raw = make(map[string]any, 1)
	}
	raw["source_path"] = b.PrimaryAssetPath

	rec := &metadata.Record{
		MediaID:     a.mediaID,
		MediaType:   a.mediaType,
		ContentHash: a.hash,
		VectorHash:  vh,
		RowID:       a.row,
		ObjectKey:   put.Key,
		Format:      format(b),
		SideAssets:  sides.hashes,
		Catalog:     catalog(raw),
		Fields:      metadata.FieldsFromRaw(a.mediaType, raw),
		Raw:         raw,
	}
	if key, ok := sides.keys["poster"]; ok {
		rec.Poster = image(key, raw["poster"])
	}
	if key, ok := sides.keys["backdrop"]; ok {
		rec.Backdrop = image(key, raw["backdrop"])
	}
	return rec
}

func format(b Bundle) string {
	if s, ok := b.RawMetadata["format"].(string); ok && s != "" {
		return strings.ToLower(s)
	}
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(b.PrimaryAssetPath), "."))
}

func catalog(raw map[string]any) metadata.Catalog {
	var c metadata.Catalog
	c.Source, _ = raw["catalog_source"].(string)
	switch id := raw["catalog_id"].(type) {
	case string:
		c.ID = id
	case float64:
		c.ID = strconv.FormatFloat(id, 'f', -1, 64)
	}
	if f, ok := raw["catalog_score"].(float64); ok {
		c.Score = f
	}
	if f, ok := raw["catalog_downloads"].(float64); ok {
		c.Downloads = int64(f)
	}
	return c
}

// image describes a stored side asset. Dimensions come from an optional
// {"width": .., "height": ..} object in the raw metadata.
func image(key string, dims any) *metadata.Image {
	img := &metadata.Image{FilePath: key}
	if m, ok := dims.(map[string]any); ok {
		if w, ok := m["width"].(float64); ok {
			img.Width = int(w)
		}
		if h, ok := m["height"].(float64); ok {
			img.Height = int(h)
		}
		if img.Height > 0 {
			img.AspectRatio = float64(img.Width) / float64(img.Height)
		}
	}
	return img
}
