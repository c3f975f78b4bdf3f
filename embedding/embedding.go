package embedding

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/hupe1980/bitharbor/errs"
	"github.com/hupe1980/bitharbor/model"
)

var (
	// ErrUnavailable is returned when the model cannot be reached or is
	// overloaded. It is transient.
	ErrUnavailable = errs.New(errs.ErrTransient, "embedding: model unavailable")

	// ErrUnsupportedModality is returned for a modality the model does not handle.
	ErrUnsupportedModality = errs.New(errs.ErrData, "embedding: unsupported modality")

	// ErrEmptyInput is returned when a reference carries nothing to embed.
	ErrEmptyInput = errs.New(errs.ErrData, "embedding: empty input")
)

// Modality hints what kind of content a reference points at.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityImage Modality = "image"
	ModalityAudio Modality = "audio"
	ModalityVideo Modality = "video"
)

// AllModalities lists every modality.
func AllModalities() []Modality {
	return []Modality{ModalityText, ModalityImage, ModalityAudio, ModalityVideo}
}

// ParseModality parses a modality name.
func ParseModality(s string) (Modality, error) {
	m := Modality(strings.ToLower(strings.TrimSpace(s)))
	if slices.Contains(AllModalities(), m) {
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedModality, s)
}

// ModalityFor returns the default modality of a media type.
func ModalityFor(t model.MediaType) Modality {
	switch t {
	case model.MediaMovie, model.MediaTV, model.MediaVideo:
		return ModalityVideo
	case model.MediaMusic, model.MediaAudio:
		return ModalityAudio
	case model.MediaPersonal, model.MediaImage:
		return ModalityImage
	}
	return ModalityText
}

// Reference is what an Embedder embeds.
type Reference struct {
	// Text describes the item: title, overview, genres or the file stem.
	Text string
	// ObjectKey is the CAS key of the stored asset, if any.
	ObjectKey string
	// MediaType is the item's type, if known.
	MediaType model.MediaType
}

// Embedder produces raw embedding vectors. Implementations are safe for
// concurrent use.
type Embedder interface {
	// Embed returns a raw vector of length Dimension for ref.
	Embed(ctx context.Context, ref Reference, modality Modality) ([]float32, error)

	// Dimension returns the length of the vectors Embed produces.
	Dimension() int
}

// NewReference builds the reference for an item from its raw metadata:
// title, overview and genres, falling back to the stem of sourcePath.
func NewReference(raw map[string]any, sourcePath, objectKey string, t model.MediaType) Reference {
	return Reference{
		Text:      ReferenceText(raw, sourcePath),
		ObjectKey: objectKey,
		MediaType: t,
	}
}

// ReferenceText assembles the text that describes an item.
func ReferenceText(raw map[string]any, sourcePath string) string {
	var parts []string
	for _, key := range []string{"title", "name"} {
		if s, ok := raw[key].(string); ok && strings.TrimSpace(s) != "" {
			parts = append(parts, strings.TrimSpace(s))
			break
		}
	}
	for _, key := range []string{"overview", "description"} {
		if s, ok := raw[key].(string); ok && strings.TrimSpace(s) != "" {
			parts = append(parts, strings.TrimSpace(s))
			break
		}
	}
	if genres := genreNames(raw["genres"]); len(genres) > 0 {
		parts = append(parts, "Genres: "+strings.Join(genres, ", "))
	}
	if len(parts) == 0 && sourcePath != "" {
		base := filepath.Base(sourcePath)
		stem := strings.TrimSuffix(base, filepath.Ext(base))
		stem = strings.NewReplacer("_", " ", ".", " ", "-", " ").Replace(stem)
		parts = append(parts, strings.Join(strings.Fields(stem), " "))
	}
	return strings.Join(parts, "\n")
}

func genreNames(v any) []string {
	var out []string
	switch v := v.(type) {
	case []string:
		out = v
	case []any:
		for _, g := range v {
			switch g := g.(type) {
			case string:
				out = append(out, g)
			case map[string]any:
				if name, ok := g["name"].(string); ok {
					out = append(out, name)
				}
			}
		}
	case string:
		if v != "" {
			out = []string{v}
		}
	}
	return out
}

// Func adapts a function to the Embedder interface.
type Func struct {
	Dim int
	Fn  func(ctx context.Context, ref Reference, modality Modality) ([]float32, error)
}

func (f Func) Embed(ctx context.Context, ref Reference, modality Modality) ([]float32, error) {
	return f.Fn(ctx, ref, modality)
}

func (f Func) Dimension() int { return f.Dim }

type modalitySet map[Modality]struct{}

func newModalitySet(ms []Modality) modalitySet {
	set := make(modalitySet, len(ms))
	for _, m := range ms {
		set[m] = struct{}{}
	}
	return set
}

func (s modalitySet) check(m Modality) error {
	if _, ok := s[m]; !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedModality, m)
	}
	return nil
}
