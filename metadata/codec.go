package metadata

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/hupe1980/bitharbor/model"
)

const codecVersion = 1

type wireRecord struct {
	Version     uint8              `msgpack:"v"`
	MediaID     string             `msgpack:"media_id"`
	MediaType   uint8              `msgpack:"media_type"`
	ContentHash []byte             `msgpack:"content_hash"`
	VectorHash  []byte             `msgpack:"vector_hash,omitempty"`
	RowID       uint64             `msgpack:"row_id"`
	ObjectKey   string             `msgpack:"object_key"`
	Format      string             `msgpack:"format,omitempty"`
	SideAssets  map[string][]byte  `msgpack:"side_assets,omitempty"`
	Catalog     Catalog            `msgpack:"catalog"`
	Poster      *Image             `msgpack:"poster,omitempty"`
	Backdrop    *Image             `msgpack:"backdrop,omitempty"`
	FieldsType  uint8              `msgpack:"fields_type,omitempty"`
	Fields      msgpack.RawMessage `msgpack:"fields,omitempty"`
	Raw         map[string]any     `msgpack:"raw,omitempty"`
	IngestCount int                `msgpack:"ingest_count"`
	CreatedAt   time.Time          `msgpack:"created_at"`
	UpdatedAt   time.Time          `msgpack:"updated_at"`
}

// Marshal encodes r with msgpack.
func Marshal(r *Record) ([]byte, error) {
	w := wireRecord{
		Version:     codecVersion,
		MediaID:     r.MediaID,
		MediaType:   uint8(r.MediaType),
		ContentHash: r.ContentHash[:],
		RowID:       uint64(r.RowID),
		ObjectKey:   r.ObjectKey,
		Format:      r.Format,
		Catalog:     r.Catalog,
		Poster:      r.Poster,
		Backdrop:    r.Backdrop,
		Raw:         r.Raw,
		IngestCount: r.IngestCount,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.VectorHash != (model.VectorHash{}) {
		w.VectorHash = r.VectorHash[:]
	}
	if len(r.SideAssets) > 0 {
		w.SideAssets = make(map[string][]byte, len(r.SideAssets))
		for kind, h := range r.SideAssets {
			w.SideAssets[kind] = append([]byte(nil), h[:]...)
		}
	}
	if r.Fields != nil {
		b, err := msgpack.Marshal(r.Fields)
		if err != nil {
			return nil, fmt.Errorf("metadata: encode fields: %w", err)
		}
		w.FieldsType = uint8(r.Fields.MediaType())
		w.Fields = b
	}
	return msgpack.Marshal(&w)
}

// Unmarshal decodes a record produced by Marshal.
func Unmarshal(data []byte) (*Record, error) {
	var w wireRecord
	if err := msgpack.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("metadata: decode record: %w", err)
	}
	if w.Version != codecVersion {
		return nil, fmt.Errorf("metadata: unsupported record version %d", w.Version)
	}
	r := &Record{
		MediaID:     w.MediaID,
		MediaType:   model.MediaType(w.MediaType),
		RowID:       model.RowID(w.RowID),
		ObjectKey:   w.ObjectKey,
		Format:      w.Format,
		Catalog:     w.Catalog,
		Poster:      w.Poster,
		Backdrop:    w.Backdrop,
		Raw:         w.Raw,
		IngestCount: w.IngestCount,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
	}
	if len(w.ContentHash) != model.HashSize {
		return nil, fmt.Errorf("metadata: content hash has %d bytes", len(w.ContentHash))
	}
	copy(r.ContentHash[:], w.ContentHash)
	if len(w.VectorHash) == model.HashSize {
		copy(r.VectorHash[:], w.VectorHash)
	}
	if len(w.SideAssets) > 0 {
		r.SideAssets = make(map[string]model.ContentHash, len(w.SideAssets))
		for kind, b := range w.SideAssets {
			var h model.ContentHash
			copy(h[:], b)
			r.SideAssets[kind] = h
		}
	}
	if len(w.Fields) > 0 {
		f, err := decodeFields(model.MediaType(w.FieldsType), w.Fields)
		if err != nil {
			return nil, err
		}
		r.Fields = f
	}
	return r, nil
}

func decodeFields(t model.MediaType, data []byte) (Fields, error) {
	var f Fields
	switch t {
	case model.MediaMovie:
		f = &MovieFields{}
	case model.MediaTV:
		f = &TVFields{}
	case model.MediaMusic:
		f = &MusicFields{}
	case model.MediaPersonal:
		f = &PersonalFields{}
	case model.MediaVideo, model.MediaImage, model.MediaAudio:
		f = &GenericFields{}
	default:
		return nil, fmt.Errorf("metadata: fields of unknown type %d", t)
	}
	if err := msgpack.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("metadata: decode %s fields: %w", t, err)
	}
	return f, nil
}
