package model

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// RowID is the dense, append-order identifier of a vector row.
// Row ids start at 0, are gap-free and are never reused.
type RowID uint64

// MediaType tags the kind of media an item is. It doubles as the modality
// key for the one-live-row-per-media invariant.
type MediaType uint8

const (
	MediaUnknown MediaType = iota
	MediaMovie
	MediaTV
	MediaMusic
	MediaPersonal
	MediaVideo
	MediaImage
	MediaAudio
)

var mediaTypeNames = [...]string{
	MediaUnknown:  "unknown",
	MediaMovie:    "movie",
	MediaTV:       "tv",
	MediaMusic:    "music",
	MediaPersonal: "personal",
	MediaVideo:    "video",
	MediaImage:    "image",
	MediaAudio:    "audio",
}

// String returns the lowercase name of the media type.
func (t MediaType) String() string {
	if int(t) < len(mediaTypeNames) {
		return mediaTypeNames[t]
	}
	return fmt.Sprintf("MediaType(%d)", uint8(t))
}

// Valid reports whether t names a known, concrete media type.
func (t MediaType) Valid() bool {
	return t > MediaUnknown && int(t) < len(mediaTypeNames)
}

// ParseMediaType parses a media type name. Matching is case-insensitive.
func ParseMediaType(s string) (MediaType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range mediaTypeNames {
		if i > 0 && n == name {
			return MediaType(i), nil
		}
	}
	return MediaUnknown, fmt.Errorf("unknown media type %q", s)
}

// MediaTypes lists every concrete media type.
func MediaTypes() []MediaType {
	out := make([]MediaType, 0, len(mediaTypeNames)-1)
	for i := 1; i < len(mediaTypeNames); i++ {
		out = append(out, MediaType(i))
	}
	return out
}

// MarshalText implements encoding.TextMarshaler.
func (t MediaType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *MediaType) UnmarshalText(b []byte) error {
	v, err := ParseMediaType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// HashSize is the length of content and vector digests.
const HashSize = 32

// ContentHash is the BLAKE3-256 digest of a raw asset's bytes.
type ContentHash [HashSize]byte

// String returns the lowercase hex encoding.
func (h ContentHash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h is the zero hash.
func (h ContentHash) IsZero() bool { return h == ContentHash{} }

// Shard returns the two-level directory fan-out for h, e.g. "ab/cd".
func (h ContentHash) Shard() string {
	s := h.String()
	return s[0:2] + "/" + s[2:4]
}

// ParseContentHash decodes a 64-character hex digest.
func ParseContentHash(s string) (ContentHash, error) {
	var h ContentHash
	if len(s) != 2*HashSize {
		return h, fmt.Errorf("content hash %q: want %d hex characters", s, 2*HashSize)
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("content hash %q: %w", s, err)
	}
	return h, nil
}

// VectorHash is the BLAKE3-256 digest of a canonical vector's bytes.
type VectorHash [HashSize]byte

// String returns the lowercase hex encoding.
func (h VectorHash) String() string { return hex.EncodeToString(h[:]) }

// IdMapEntry binds a vector row to the media item it embeds.
type IdMapEntry struct {
	RowID      RowID
	MediaID    string
	MediaType  MediaType
	Tombstoned bool
}

// VectorRow is a stored canonical vector.
type VectorRow struct {
	RowID  RowID
	Vector []float32
}
