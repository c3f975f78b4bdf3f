package embedding

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/hupe1980/bitharbor/errs"
)

// OpenAI embedding models.
const (
	ModelOpenAI3Small = "text-embedding-3-small"
	ModelOpenAI3Large = "text-embedding-3-large"
)

const (
	openAIDefaultModel = ModelOpenAI3Small
	openAIDefaultDim   = 1024
)

// OpenAIOptions configures an OpenAI embedder.
type OpenAIOptions struct {
	APIKey string
	// Model defaults to text-embedding-3-small.
	Model string
	// Dimension defaults to 1024. text-embedding-3 models shorten their
	// output to the requested size.
	Dimension int
	// BaseURL overrides the API endpoint for compatible providers.
	BaseURL    string
	HTTPClient *http.Client
	// Timeout bounds one request. Zero leaves it to the caller's context.
	Timeout time.Duration
	// Modalities lists the accepted modalities. Defaults to all: media of any
	// kind is embedded through its reference text.
	Modalities []Modality
}

// OpenAI embeds reference text with the OpenAI embeddings API. Client-side
// retries are disabled; retry policy belongs to the caller.
type OpenAI struct {
	client     *openai.Client
	model      string
	dim        int
	modalities modalitySet
}

// NewOpenAI returns an OpenAI embedder.
func NewOpenAI(opts OpenAIOptions) *OpenAI {
	if opts.Model == "" {
		opts.Model = openAIDefaultModel
	}
	if opts.Dimension <= 0 {
		opts.Dimension = openAIDefaultDim
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if len(opts.Modalities) == 0 {
		opts.Modalities = AllModalities()
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithHTTPClient(opts.HTTPClient),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.BaseURL))
	}
	if opts.Timeout > 0 {
		clientOpts = append(clientOpts, option.WithRequestTimeout(opts.Timeout))
	}
	client := openai.NewClient(clientOpts...)

	return &OpenAI{
		client:     &client,
		model:      opts.Model,
		dim:        opts.Dimension,
		modalities: newModalitySet(opts.Modalities),
	}
}

func (o *OpenAI) Dimension() int { return o.dim }

// Model returns the model identifier.
func (o *OpenAI) Model() string { return o.model }

func (o *OpenAI) Embed(ctx context.Context, ref Reference, modality Modality) ([]float32, error) {
	if err := o.modalities.check(modality); err != nil {
		return nil, err
	}
	if ref.Text == "" {
		return nil, ErrEmptyInput
	}

	resp, err := o.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model:          o.model,
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: []string{ref.Text}},
		Dimensions:     openai.Int(int64(o.dim)),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		return nil, classifyOpenAIError(ctx, err)
	}
	if len(resp.Data) != 1 {
		return nil, errs.Transient("embedding: openai", fmt.Errorf("%w: %d embeddings for one input", ErrUnavailable, len(resp.Data)))
	}

	out := make([]float32, len(resp.Data[0].Embedding))
	for i, x := range resp.Data[0].Embedding {
		out[i] = float32(x)
	}
	if len(out) != o.dim {
		return nil, &errs.DimensionMismatchError{Expected: o.dim, Actual: len(out)}
	}
	return out, nil
}

// classifyOpenAIError maps rate limits, timeouts and server errors to
// ErrUnavailable and other API rejections to data errors.
func classifyOpenAIError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode == http.StatusRequestTimeout,
			apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: openai status %d: %v", ErrUnavailable, apiErr.StatusCode, err)
		default:
			return errs.Data("embedding: openai", err)
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
