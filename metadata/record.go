package metadata

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/hupe1980/bitharbor/model"
)

// Image describes a poster or backdrop.
type Image struct {
	FilePath    string  `msgpack:"file_path" json:"file_path"`
	Width       int     `msgpack:"width,omitempty" json:"width,omitempty"`
	Height      int     `msgpack:"height,omitempty" json:"height,omitempty"`
	AspectRatio float64 `msgpack:"aspect_ratio,omitempty" json:"aspect_ratio,omitempty"`
}

// Catalog identifies the external catalog an item came from.
type Catalog struct {
	Source    string  `msgpack:"source,omitempty" json:"source,omitempty"`
	ID        string  `msgpack:"id,omitempty" json:"id,omitempty"`
	Score     float64 `msgpack:"score,omitempty" json:"score,omitempty"`
	Downloads int64   `msgpack:"downloads,omitempty" json:"downloads,omitempty"`
}

// Fields is the type-specific part of a record.
type Fields interface {
	MediaType() model.MediaType
	// Title is the display title.
	Title() string
}

// MovieFields describes a movie.
type MovieFields struct {
	Name        string   `msgpack:"title" json:"title"`
	Overview    string   `msgpack:"overview,omitempty" json:"overview,omitempty"`
	Year        int      `msgpack:"year,omitempty" json:"year,omitempty"`
	RuntimeMin  int      `msgpack:"runtime_min,omitempty" json:"runtime_min,omitempty"`
	Genres      []string `msgpack:"genres,omitempty" json:"genres,omitempty"`
	Cast        []string `msgpack:"cast,omitempty" json:"cast,omitempty"`
	Languages   []string `msgpack:"languages,omitempty" json:"languages,omitempty"`
	VoteAverage float64  `msgpack:"vote_average,omitempty" json:"vote_average,omitempty"`
	VoteCount   int      `msgpack:"vote_count,omitempty" json:"vote_count,omitempty"`
}

func (*MovieFields) MediaType() model.MediaType { return model.MediaMovie }
func (f *MovieFields) Title() string            { return f.Name }

// TVFields describes a show, a season or an episode.
type TVFields struct {
	Name          string   `msgpack:"name" json:"name"`
	Overview      string   `msgpack:"overview,omitempty" json:"overview,omitempty"`
	Status        string   `msgpack:"status,omitempty" json:"status,omitempty"`
	FirstAirDate  string   `msgpack:"first_air_date,omitempty" json:"first_air_date,omitempty"`
	SeasonNumber  int      `msgpack:"season_number,omitempty" json:"season_number,omitempty"`
	EpisodeNumber int      `msgpack:"episode_number,omitempty" json:"episode_number,omitempty"`
	Genres        []string `msgpack:"genres,omitempty" json:"genres,omitempty"`
	Cast          []string `msgpack:"cast,omitempty" json:"cast,omitempty"`
	VoteAverage   float64  `msgpack:"vote_average,omitempty" json:"vote_average,omitempty"`
}

func (*TVFields) MediaType() model.MediaType { return model.MediaTV }
func (f *TVFields) Title() string            { return f.Name }

// MusicFields describes an artist, an album or a track.
type MusicFields struct {
	Artist      string   `msgpack:"artist" json:"artist"`
	Album       string   `msgpack:"album,omitempty" json:"album,omitempty"`
	Track       string   `msgpack:"track,omitempty" json:"track,omitempty"`
	TrackNumber int      `msgpack:"track_number,omitempty" json:"track_number,omitempty"`
	DurationSec int      `msgpack:"duration_sec,omitempty" json:"duration_sec,omitempty"`
	Genres      []string `msgpack:"genres,omitempty" json:"genres,omitempty"`
}

func (*MusicFields) MediaType() model.MediaType { return model.MediaMusic }

func (f *MusicFields) Title() string {
	switch {
	case f.Track != "":
		return f.Track
	case f.Album != "":
		return f.Album
	}
	return f.Artist
}

// PersonalFields describes a personal upload.
type PersonalFields struct {
	Name        string    `msgpack:"title" json:"title"`
	Description string    `msgpack:"description,omitempty" json:"description,omitempty"`
	CapturedAt  time.Time `msgpack:"captured_at,omitempty" json:"captured_at,omitempty"`
	Tags        []string  `msgpack:"tags,omitempty" json:"tags,omitempty"`
}

func (*PersonalFields) MediaType() model.MediaType { return model.MediaPersonal }
func (f *PersonalFields) Title() string            { return f.Name }

// GenericFields describes video, image and audio items.
type GenericFields struct {
	Type        model.MediaType `msgpack:"type" json:"type"`
	Name        string          `msgpack:"title" json:"title"`
	Description string          `msgpack:"description,omitempty" json:"description,omitempty"`
	Tags        []string        `msgpack:"tags,omitempty" json:"tags,omitempty"`
}

func (f *GenericFields) MediaType() model.MediaType { return f.Type }
func (f *GenericFields) Title() string              { return f.Name }

// Record is the metadata of one media item. (MediaType, MediaID) is its key.
type Record struct {
	MediaID     string
	MediaType   model.MediaType
	ContentHash model.ContentHash
	VectorHash  model.VectorHash
	RowID       model.RowID
	// ObjectKey is the CAS key of the primary asset.
	ObjectKey string
	Format    string
	// SideAssets maps an asset kind such as "poster" to its content hash.
	SideAssets  map[string]model.ContentHash
	Catalog     Catalog
	Poster      *Image
	Backdrop    *Image
	Fields      Fields
	Raw         map[string]any
	IngestCount int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Key returns the record key.
func (r *Record) Key() Key { return Key{Type: r.MediaType, ID: r.MediaID} }

// Title returns the title from the typed fields, if any.
func (r *Record) Title() string {
	if r.Fields == nil {
		return ""
	}
	return r.Fields.Title()
}

// References reports whether the record points at content hash h, as
// primary asset or side asset.
func (r *Record) References(h model.ContentHash) bool {
	if r.ContentHash == h {
		return true
	}
	for _, sh := range r.SideAssets {
		if sh == h {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the mutable parts of r.
func (r *Record) Clone() *Record {
	c := *r
	c.SideAssets = maps.Clone(r.SideAssets)
	c.Raw = maps.Clone(r.Raw)
	if r.Poster != nil {
		p := *r.Poster
		c.Poster = &p
	}
	if r.Backdrop != nil {
		b := *r.Backdrop
		c.Backdrop = &b
	}
	return &c
}

func (r *Record) validate() error {
	if r.MediaID == "" {
		return fmt.Errorf("%w: empty media id", ErrInvalidRecord)
	}
	if !r.MediaType.Valid() {
		return fmt.Errorf("%w: media type %d", ErrInvalidRecord, r.MediaType)
	}
	if r.ContentHash.IsZero() {
		return fmt.Errorf("%w: zero content hash", ErrInvalidRecord)
	}
	if r.Fields != nil && r.Fields.MediaType() != r.MediaType {
		return fmt.Errorf("%w: %s fields on a %s record", ErrInvalidRecord, r.Fields.MediaType(), r.MediaType)
	}
	return nil
}

// Key identifies a record.
type Key struct {
	Type model.MediaType
	ID   string
}

func (k Key) String() string { return k.Type.String() + "/" + k.ID }

// FieldsFromRaw builds typed fields for t from loosely typed raw metadata,
// such as a catalog API response. Unknown keys are ignored.
func FieldsFromRaw(t model.MediaType, raw map[string]any) Fields {
	title := firstString(raw, "title", "name", "original_title")
	overview := firstString(raw, "overview", "description", "plot")
	switch t {
	case model.MediaMovie:
		f := &MovieFields{
			Name:        title,
			Overview:    overview,
			RuntimeMin:  firstInt(raw, "runtime", "runtime_min"),
			Genres:      stringList(raw["genres"]),
			Cast:        stringList(raw["cast"]),
			Languages:   stringList(raw["languages"]),
			VoteAverage: firstFloat(raw, "vote_average"),
			VoteCount:   firstInt(raw, "vote_count"),
			Year:        firstInt(raw, "year"),
		}
		if f.Year == 0 {
			f.Year = yearOf(firstString(raw, "release_date"))
		}
		return f
	case model.MediaTV:
		return &TVFields{
			Name:          title,
			Overview:      overview,
			Status:        firstString(raw, "status"),
			FirstAirDate:  firstString(raw, "first_air_date"),
			SeasonNumber:  firstInt(raw, "season_number", "season"),
			EpisodeNumber: firstInt(raw, "episode_number", "episode"),
			Genres:        stringList(raw["genres"]),
			Cast:          stringList(raw["cast"]),
			VoteAverage:   firstFloat(raw, "vote_average"),
		}
	case model.MediaMusic:
		return &MusicFields{
			Artist:      firstString(raw, "artist", "creator"),
			Album:       firstString(raw, "album"),
			Track:       firstString(raw, "track", "title"),
			TrackNumber: firstInt(raw, "track_number"),
			DurationSec: firstInt(raw, "duration_sec", "duration"),
			Genres:      stringList(raw["genres"]),
		}
	case model.MediaPersonal:
		f := &PersonalFields{
			Name:        title,
			Description: overview,
			Tags:        stringList(raw["tags"]),
		}
		if ts, err := time.Parse(time.RFC3339, firstString(raw, "captured_at")); err == nil {
			f.CapturedAt = ts
		}
		return f
	default:
		return &GenericFields{
			Type:        t,
			Name:        title,
			Description: overview,
			Tags:        stringList(raw["tags"]),
		}
	}
}

func firstString(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := raw[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case fmt.Stringer:
			return v.String()
		}
	}
	return ""
}

func firstFloat(raw map[string]any, keys ...string) float64 {
	for _, k := range keys {
		switch v := raw[k].(type) {
		case float64:
			return v
		case float32:
			return float64(v)
		case int:
			return float64(v)
		case int64:
			return float64(v)
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f
			}
		}
	}
	return 0
}

func firstInt(raw map[string]any, keys ...string) int {
	return int(firstFloat(raw, keys...))
}

// stringList accepts ["a", "b"], [{"name": "a"}] or "a, b".
func stringList(v any) []string {
	var out []string
	switch v := v.(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			switch item := item.(type) {
			case string:
				out = append(out, item)
			case map[string]any:
				if name, ok := item["name"].(string); ok {
					out = append(out, name)
				}
			}
		}
	case string:
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func yearOf(date string) int {
	if len(date) < 4 {
		return 0
	}
	y, err := strconv.Atoi(date[:4])
	if err != nil {
		return 0
	}
	return y
}
