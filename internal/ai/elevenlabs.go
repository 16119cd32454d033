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

// ElevenLabsDriver implements SpeechSynthesizer against the ElevenLabs
// text-to-speech API. Output is MP3.
type ElevenLabsDriver struct {
	apiKey   string
	modelID  string
	endpoint string
	client   *http.Client
}

// ElevenLabsOption configures the ElevenLabs driver.
type ElevenLabsOption func(*ElevenLabsDriver)

// WithElevenLabsEndpoint sets a custom API base (e.g. for proxies).
func WithElevenLabsEndpoint(endpoint string) ElevenLabsOption {
	return func(d *ElevenLabsDriver) { d.endpoint = endpoint }
}

// WithElevenLabsModel overrides the synthesis model.
func WithElevenLabsModel(modelID string) ElevenLabsOption {
	return func(d *ElevenLabsDriver) { d.modelID = modelID }
}

// NewElevenLabsDriver creates an ElevenLabs TTS driver.
func NewElevenLabsDriver(apiKey string, opts ...ElevenLabsOption) *ElevenLabsDriver {
	d := &ElevenLabsDriver{
		apiKey:   apiKey,
		modelID:  "eleven_multilingual_v2",
		endpoint: "https://api.elevenlabs.io",
		// Synthesis of a long segment routinely takes tens of seconds.
		client: &http.Client{Timeout: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type elevenLabsRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

// Synthesize renders text in the given voice and returns the audio bytes.
func (d *ElevenLabsDriver) Synthesize(ctx context.Context, voiceID, text string) ([]byte, error) {
	body, err := json.Marshal(elevenLabsRequest{Text: text, ModelID: d.modelID})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s", d.endpoint, voiceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", d.apiKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("elevenlabs API returned %d: %s", resp.StatusCode, string(audio))
	}
	return audio, nil
}
