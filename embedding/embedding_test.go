package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/bitharbor/errs"
	"github.com/hupe1980/bitharbor/model"
)

func TestReferenceText(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
		path string
		want string
	}{
		{
			name: "title overview genres",
			raw: map[string]any{
				"title":    "Heat",
				"overview": "Cops and robbers.",
				"genres":   []any{map[string]any{"name": "Crime"}, "Drama"},
			},
			path: "/srv/heat.mkv",
			want: "Heat\nCops and robbers.\nGenres: Crime, Drama",
		},
		{
			name: "name fallback",
			raw:  map[string]any{"name": "The Wire"},
			want: "The Wire",
		},
		{
			name: "file stem",
			raw:  map[string]any{"year": 1995},
			path: "/srv/movies/Blade_Runner-1982.final.mkv",
			want: "Blade Runner 1982 final",
		},
		{
			name: "nothing",
			raw:  nil,
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ReferenceText(tt.raw, tt.path))
		})
	}
}

func TestModality(t *testing.T) {
	m, err := ParseModality(" Image ")
	require.NoError(t, err)
	assert.Equal(t, ModalityImage, m)

	_, err = ParseModality("smell")
	assert.ErrorIs(t, err, ErrUnsupportedModality)
	assert.True(t, errs.IsData(err))

	assert.Equal(t, ModalityVideo, ModalityFor(model.MediaMovie))
	assert.Equal(t, ModalityAudio, ModalityFor(model.MediaMusic))
	assert.Equal(t, ModalityImage, ModalityFor(model.MediaPersonal))
	assert.Equal(t, ModalityText, ModalityFor(model.MediaUnknown))
}

func TestHashing(t *testing.T) {
	ctx := context.Background()
	h := NewHashing(64)
	assert.Equal(t, 64, h.Dimension())

	a, err := h.Embed(ctx, Reference{Text: "Blade Runner"}, ModalityVideo)
	require.NoError(t, err)
	require.Len(t, a, 64)

	b, err := h.Embed(ctx, Reference{Text: "blade runner!"}, ModalityVideo)
	require.NoError(t, err)
	assert.Equal(t, a, b, "case and punctuation do not matter")

	c, err := h.Embed(ctx, Reference{Text: "Pastel Blues"}, ModalityVideo)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	_, err = h.Embed(ctx, Reference{Text: "  ...  "}, ModalityVideo)
	assert.ErrorIs(t, err, ErrEmptyInput)

	textOnly := NewHashing(8, WithHashingModalities(ModalityText))
	_, err = textOnly.Embed(ctx, Reference{Text: "x"}, ModalityAudio)
	assert.ErrorIs(t, err, ErrUnsupportedModality)
}

func fakeOpenAI(t *testing.T, dim int, status *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if code := int(status.Load()); code != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(code)
			_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"test"}}`))
			return
		}
		var req struct {
			Input      []string `json:"input"`
			Dimensions int      `json:"dimensions"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		vec := make([]float64, req.Dimensions)
		for i := range vec {
			vec[i] = float64(i+1) * 0.01
		}
		resp := map[string]any{
			"object": "list",
			"model":  "test-model",
			"data":   []any{map[string]any{"object": "embedding", "index": 0, "embedding": vec}},
			"usage":  map[string]any{"prompt_tokens": 1, "total_tokens": 1},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAI_Embed(t *testing.T) {
	var status atomic.Int32
	srv := fakeOpenAI(t, 8, &status)
	e := NewOpenAI(OpenAIOptions{APIKey: "test-key", BaseURL: srv.URL, Dimension: 8})
	assert.Equal(t, 8, e.Dimension())
	assert.Equal(t, ModelOpenAI3Small, e.Model())

	vec, err := e.Embed(context.Background(), Reference{Text: "hello"}, ModalityText)
	require.NoError(t, err)
	assert.Len(t, vec, 8)
	assert.InDelta(t, 0.08, vec[7], 1e-6)

	_, err = e.Embed(context.Background(), Reference{}, ModalityText)
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestOpenAI_ErrorClassification(t *testing.T) {
	var status atomic.Int32
	srv := fakeOpenAI(t, 8, &status)
	e := NewOpenAI(OpenAIOptions{APIKey: "test-key", BaseURL: srv.URL, Dimension: 8})
	ctx := context.Background()

	status.Store(http.StatusTooManyRequests)
	_, err := e.Embed(ctx, Reference{Text: "x"}, ModalityText)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.True(t, errs.IsTransient(err))

	status.Store(http.StatusServiceUnavailable)
	_, err = e.Embed(ctx, Reference{Text: "x"}, ModalityText)
	assert.True(t, errs.IsTransient(err))

	status.Store(http.StatusBadRequest)
	_, err = e.Embed(ctx, Reference{Text: "x"}, ModalityText)
	assert.True(t, errs.IsData(err))
	assert.False(t, errs.IsTransient(err))
}

func TestOpenAI_Unreachable(t *testing.T) {
	e := NewOpenAI(OpenAIOptions{APIKey: "k", BaseURL: "http://127.0.0.1:1", Dimension: 4})
	_, err := e.Embed(context.Background(), Reference{Text: "x"}, ModalityText)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRateLimited(t *testing.T) {
	var inflight, peak atomic.Int32
	slow := Func{Dim: 4, Fn: func(ctx context.Context, _ Reference, _ Modality) ([]float32, error) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inflight.Add(-1)
		return []float32{1, 0, 0, 0}, nil
	}}

	r := NewRateLimited(slow, 0, 0, 2)
	assert.Equal(t, 4, r.Dimension())

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Embed(context.Background(), Reference{Text: "x"}, ModalityText)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRateLimited_Canceled(t *testing.T) {
	r := NewRateLimited(NewHashing(4), 0.001, 1, 0)
	ctx := context.Background()
	_, err := r.Embed(ctx, Reference{Text: "first"}, ModalityText)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = r.Embed(ctx, Reference{Text: "second"}, ModalityText)
	assert.Error(t, err)
}
