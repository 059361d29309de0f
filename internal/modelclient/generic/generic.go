// Package generic adapts an arbitrary model server to modelclient.Client
// over a small JSON HTTP contract, sent through a go-retryablehttp client
// with transport-level retries turned off (RetryMax 0).
package generic

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/pixelforge/gallery-core/internal/modelclient"
)

// Options configures a Client.
type Options struct {
	Name        string
	BaseURL     string
	Capabilities []modelclient.TaskKind
}

// Client speaks a uniform JSON contract to any model server: POST
// /embed, /score, /caption with a base64 payload, expecting a matching
// JSON response shape.
type Client struct {
	name    string
	baseURL string
	caps    map[modelclient.TaskKind]bool
	http    *retryablehttp.Client
}

// New returns a Client for opts.
func New(opts Options) *Client {
	caps := make(map[modelclient.TaskKind]bool, len(opts.Capabilities))
	for _, k := range opts.Capabilities {
		caps[k] = true
	}
	httpClient := retryablehttp.NewClient()
	httpClient.Logger = nil
	httpClient.RetryMax = 0 // outer netretry.Do drives retry, not the transport

	return &Client{name: opts.Name, baseURL: opts.BaseURL, caps: caps, http: httpClient}
}

func (c *Client) Name() string { return c.name }

func (c *Client) Supports(kind modelclient.TaskKind) bool { return c.caps[kind] }

type embedRequest struct {
	Payload string `json:"payload"`
}

type embedResponse struct {
	ModelID   string `json:"model_id"`
	Dimension int    `json:"dimension"`
	Vector    []byte `json:"vector"`
}

func (c *Client) Embed(ctx context.Context, kind modelclient.TaskKind, payload []byte) (modelclient.EmbedResult, error) {
	var resp embedResponse
	if err := c.postJSON(ctx, "/embed", embedRequest{Payload: base64.StdEncoding.EncodeToString(payload)}, &resp); err != nil {
		return modelclient.EmbedResult{}, err
	}
	return modelclient.EmbedResult{ModelID: resp.ModelID, Dimension: resp.Dimension, Vector: resp.Vector}, nil
}

type scoreResponse struct {
	Score float64 `json:"score"`
}

func (c *Client) Score(ctx context.Context, payload []byte) (float64, error) {
	var resp scoreResponse
	if err := c.postJSON(ctx, "/score", embedRequest{Payload: base64.StdEncoding.EncodeToString(payload)}, &resp); err != nil {
		return 0, err
	}
	return resp.Score, nil
}

type captionImage struct {
	Payload   string `json:"payload"`
	MediaType string `json:"media_type,omitempty"`
}

type captionRequest struct {
	Images []captionImage `json:"images"`
	Prompt string         `json:"prompt"`
}

type captionResponse struct {
	Caption string `json:"caption"`
}

func (c *Client) Caption(ctx context.Context, images []modelclient.ImagePayload, prompt string) (string, error) {
	if len(images) == 0 {
		return "", fmt.Errorf("generic: caption requires at least one image")
	}
	payload := make([]captionImage, len(images))
	for i, img := range images {
		payload[i] = captionImage{
			Payload:   base64.StdEncoding.EncodeToString(img.Bytes),
			MediaType: img.MediaType,
		}
	}
	var resp captionResponse
	req := captionRequest{Images: payload, Prompt: prompt}
	if err := c.postJSON(ctx, "/caption", req, &resp); err != nil {
		return "", err
	}
	return resp.Caption, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("generic: marshal request for %s: %w", path, err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("generic: build request for %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("generic: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("generic: %s: unexpected status %d", path, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("generic: read response for %s: %w", path, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("generic: decode response for %s: %w", path, err)
	}
	return nil
}

var _ modelclient.Client = (*Client)(nil)
