package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
)

const whisperAPIURL = "https://api.openai.com/v1/audio/transcriptions"

// WhisperClient implements the Provider interface using OpenAI's Whisper API.
type WhisperClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
}

// WhisperConfig holds configuration for the Whisper client.
type WhisperConfig struct {
	APIKey  string
	Model   string // e.g., "whisper-1"
	BaseURL string // Optional API override, used in tests
}

// NewWhisperClient creates a new Whisper client.
func NewWhisperClient(cfg WhisperConfig) *WhisperClient {
	model := cfg.Model
	if model == "" {
		model = "whisper-1"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = whisperAPIURL
	}
	return &WhisperClient{
		apiKey:     cfg.APIKey,
		model:      model,
		baseURL:    baseURL,
		httpClient: &http.Client{},
	}
}

// Name implements the Provider interface.
func (c *WhisperClient) Name() string { return "whisper" }

// whisperResponse represents a verbose_json transcription response.
type whisperResponse struct {
	Text     string           `json:"text"`
	Segments []whisperSegment `json:"segments"`
}

type whisperSegment struct {
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
	Text         string  `json:"text"`
	NoSpeechProb float64 `json:"no_speech_prob"`
}

// Transcribe sends the audio chunk to Whisper and converts the verbose
// response into timed segments. Whisper reports no per-segment confidence,
// so it is derived as 1 - no_speech_prob: a span that is probably not
// speech is a span the transcript is probably wrong about.
func (c *WhisperClient) Transcribe(ctx context.Context, audio []byte) (Result, error) {
	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)

	part, err := form.CreateFormFile("file", "chunk.wav")
	if err != nil {
		return Result{}, fmt.Errorf("failed to build form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return Result{}, fmt.Errorf("failed to write audio: %w", err)
	}
	if err := form.WriteField("model", c.model); err != nil {
		return Result{}, fmt.Errorf("failed to write model field: %w", err)
	}
	if err := form.WriteField("response_format", "verbose_json"); err != nil {
		return Result{}, fmt.Errorf("failed to write response_format field: %w", err)
	}
	if err := form.Close(); err != nil {
		return Result{}, fmt.Errorf("failed to finalize form: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL, &buf)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", form.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return Result{}, fmt.Errorf("Whisper API error: %s - %s", resp.Status, string(respBody))
	}

	var whisperResp whisperResponse
	if err := json.NewDecoder(resp.Body).Decode(&whisperResp); err != nil {
		return Result{}, fmt.Errorf("failed to decode response: %w", err)
	}

	result := Result{
		Text:     strings.TrimSpace(whisperResp.Text),
		Provider: c.Name(),
	}
	for _, seg := range whisperResp.Segments {
		confidence := 1.0 - seg.NoSpeechProb
		if confidence < 0 {
			confidence = 0
		}
		if confidence > 1 {
			confidence = 1
		}
		result.Segments = append(result.Segments, Segment{
			Start:      seg.Start,
			End:        seg.End,
			Text:       strings.TrimSpace(seg.Text),
			Confidence: confidence,
		})
	}

	return result, nil
}
