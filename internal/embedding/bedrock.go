package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"

	"call-insights-go/internal/extclient"
	"call-insights-go/internal/types"
)

type invoker interface {
	InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockEmbedder calls Amazon Titan text embeddings.
type BedrockEmbedder struct {
	client     invoker
	model      string
	dimensions int
}

func NewBedrockEmbedder(ctx context.Context, region, model string, dimensions int) (*BedrockEmbedder, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &BedrockEmbedder{
		client:     bedrockruntime.NewFromConfig(cfg),
		model:      model,
		dimensions: dimensions,
	}, nil
}

func (b *BedrockEmbedder) Model() string    { return b.model }
func (b *BedrockEmbedder) Provider() string { return ProviderBedrock }

type titanRequest struct {
	InputText  string `json:"inputText"`
	Dimensions int    `json:"dimensions,omitempty"`
	Normalize  bool   `json:"normalize"`
}

type titanResponse struct {
	Embedding           []float32 `json:"embedding"`
	InputTextTokenCount int       `json:"inputTextTokenCount"`
}

// titanDimensions are the output sizes Titan v2 accepts.
var titanDimensions = map[int]bool{256: true, 512: true, 1024: true}

func (b *BedrockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: empty text", types.ErrInvalidInput)
	}
	req := titanRequest{InputText: text, Normalize: true}
	if titanDimensions[b.dimensions] {
		req.Dimensions = b.dimensions
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	out, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, classifyBedrock(err)
	}
	var resp titanResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode titan response: %v", types.ErrUnavailable, err)
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("%w: titan returned no embedding", types.ErrUnavailable)
	}
	return resp.Embedding, nil
}

func classifyBedrock(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return extclient.Classify(err)
	}
	switch apiErr.ErrorCode() {
	case "ThrottlingException", "ServiceQuotaExceededException", "TooManyRequestsException":
		return fmt.Errorf("%w: %v", types.ErrRateLimited, err)
	case "ValidationException", "AccessDeniedException", "ResourceNotFoundException":
		return fmt.Errorf("%w: %v", types.ErrInvalidInput, err)
	default:
		return fmt.Errorf("%w: %v", types.ErrUnavailable, err)
	}
}
