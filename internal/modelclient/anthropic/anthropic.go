// Package anthropic adapts the Anthropic multimodal chat API to the
// modelclient.Client capability interface. It only supports the tasks that
// need natural-language generation over an image (album-naming); embedding
// and scoring calls return an unsupported error so the dispatcher's load
// balancer routes those elsewhere.
package anthropic

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/pixelforge/gallery-core/internal/modelclient"
)

// Client wraps an anthropic-sdk-go client.
type Client struct {
	name  string
	model anthropic.Model
	api   anthropic.Client
}

// New returns a Client using apiKey for authentication and model for requests.
func New(name, apiKey string, model anthropic.Model) *Client {
	return &Client{
		name:  name,
		model: model,
		api:   anthropic.NewClient(option.WithAPIKey(apiKey)),
	}
}

func (c *Client) Name() string { return c.name }

func (c *Client) Supports(kind modelclient.TaskKind) bool {
	return kind == modelclient.TaskAlbumNaming
}

func (c *Client) Embed(ctx context.Context, kind modelclient.TaskKind, payload []byte) (modelclient.EmbedResult, error) {
	return modelclient.EmbedResult{}, fmt.Errorf("anthropic: %s does not support embedding", c.name)
}

func (c *Client) Score(ctx context.Context, payload []byte) (float64, error) {
	return 0, fmt.Errorf("anthropic: %s does not support scoring", c.name)
}

// Caption asks the model to produce a short album name from images. Every
// image is attached to the same user message so the model can reason across
// all of them, followed by prompt as a text block; no separate system
// instruction is set.
func (c *Client) Caption(ctx context.Context, images []modelclient.ImagePayload, prompt string) (string, error) {
	if len(images) == 0 {
		return "", fmt.Errorf("anthropic: caption requires at least one image")
	}

	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(images)+1)
	for _, img := range images {
		mediaType := img.MediaType
		if mediaType == "" {
			mediaType = "image/jpeg"
		}
		blocks = append(blocks, anthropic.NewImageBlock(anthropic.Base64ImageSourceParam{
			Data:      base64.StdEncoding.EncodeToString(img.Bytes),
			MediaType: mediaType,
		}))
	}
	blocks = append(blocks, anthropic.NewTextBlock(prompt))

	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 64,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(blocks...),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic: caption request: %w", err)
	}
	if len(msg.Content) == 0 {
		return "", fmt.Errorf("anthropic: empty caption response")
	}
	return msg.Content[0].Text, nil
}

var _ modelclient.Client = (*Client)(nil)
