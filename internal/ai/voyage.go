package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// VoyageDriver implements Embedder against Voyage AI's embedding API.
// voyage-3 and voyage-3-lite are the usual models.
type VoyageDriver struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
}

// VoyageOption configures the Voyage driver.
type VoyageOption func(*VoyageDriver)

// WithVoyageEndpoint sets a custom API endpoint (e.g. for proxies).
func WithVoyageEndpoint(endpoint string) VoyageOption {
	return func(d *VoyageDriver) { d.endpoint = endpoint }
}

// NewVoyageDriver creates a Voyage embedding driver.
func NewVoyageDriver(apiKey, model string, opts ...VoyageOption) *VoyageDriver {
	d := &VoyageDriver{
		apiKey:   apiKey,
		model:    model,
		endpoint: "https://api.voyageai.com/v1/embeddings",
		client:   &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type voyageEmbedRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type voyageEmbedResponse struct {
	Data []voyageEmbedData `json:"data"`
}

type voyageEmbedData struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

// Embed generates vector embeddings for a batch of texts.
func (d *VoyageDriver) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(voyageEmbedRequest{Input: texts, Model: d.model})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("voyage embeddings API returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result voyageEmbedResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	// Reorder by index
	vectors := make([][]float32, len(texts))
	for _, data := range result.Data {
		if data.Index < len(vectors) {
			vectors[data.Index] = data.Embedding
		}
	}
	return vectors, nil
}
