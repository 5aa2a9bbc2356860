package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const assemblyAIAPIURL = "https://api.assemblyai.com/v2"

// segmentWords is how many words go into one synthesized segment.
// AssemblyAI returns word-level timestamps only; windows of ten words
// approximate the utterance-sized segments the stitcher works with.
const segmentWords = 10

// AssemblyAIClient implements the Provider interface using AssemblyAI's
// async transcription API.
type AssemblyAIClient struct {
	apiKey       string
	baseURL      string
	pollInterval time.Duration
	httpClient   *http.Client
}

// AssemblyAIConfig holds configuration for the AssemblyAI client.
type AssemblyAIConfig struct {
	APIKey       string
	BaseURL      string        // Optional API override, used in tests
	PollInterval time.Duration // Optional, defaults to 1s
}

// NewAssemblyAIClient creates a new AssemblyAI client.
func NewAssemblyAIClient(cfg AssemblyAIConfig) *AssemblyAIClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = assemblyAIAPIURL
	}
	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = time.Second
	}
	return &AssemblyAIClient{
		apiKey:       cfg.APIKey,
		baseURL:      baseURL,
		pollInterval: pollInterval,
		httpClient:   &http.Client{},
	}
}

// Name implements the Provider interface.
func (c *AssemblyAIClient) Name() string { return "assemblyai" }

type assemblyAIWord struct {
	Text       string  `json:"text"`
	Start      int     `json:"start"` // milliseconds
	End        int     `json:"end"`   // milliseconds
	Confidence float64 `json:"confidence"`
}

// assemblyAITranscript represents a transcript resource through its
// queued/processing/completed/error lifecycle.
type assemblyAITranscript struct {
	ID     string           `json:"id"`
	Status string           `json:"status"`
	Text   string           `json:"text"`
	Words  []assemblyAIWord `json:"words"`
	Error  string           `json:"error"`
}

// Transcribe uploads the audio, requests a transcript, and polls until
// AssemblyAI finishes it. Word timestamps come back in milliseconds and
// are regrouped into ten-word segments with averaged confidence.
func (c *AssemblyAIClient) Transcribe(ctx context.Context, audio []byte) (Result, error) {
	audioURL, err := c.upload(ctx, audio)
	if err != nil {
		return Result{}, err
	}

	transcriptID, err := c.createTranscript(ctx, audioURL)
	if err != nil {
		return Result{}, err
	}

	transcript, err := c.pollTranscript(ctx, transcriptID)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Text:     strings.TrimSpace(transcript.Text),
		Segments: groupWords(transcript.Words),
		Provider: c.Name(),
	}, nil
}

func (c *AssemblyAIClient) upload(ctx context.Context, audio []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/upload", bytes.NewReader(audio))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/octet-stream")
	httpReq.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("AssemblyAI API error: %s - %s", resp.Status, string(respBody))
	}

	var uploadResp struct {
		UploadURL string `json:"upload_url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&uploadResp); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	return uploadResp.UploadURL, nil
}

func (c *AssemblyAIClient) createTranscript(ctx context.Context, audioURL string) (string, error) {
	body, err := json.Marshal(map[string]string{"audio_url": audioURL})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/transcript", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("AssemblyAI API error: %s - %s", resp.Status, string(respBody))
	}

	var transcript assemblyAITranscript
	if err := json.NewDecoder(resp.Body).Decode(&transcript); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	return transcript.ID, nil
}

func (c *AssemblyAIClient) pollTranscript(ctx context.Context, transcriptID string) (assemblyAITranscript, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		transcript, err := c.getTranscript(ctx, transcriptID)
		if err != nil {
			return assemblyAITranscript{}, err
		}

		switch transcript.Status {
		case "completed":
			return transcript, nil
		case "error":
			return assemblyAITranscript{}, fmt.Errorf("AssemblyAI transcript failed: %s", transcript.Error)
		}

		select {
		case <-ctx.Done():
			return assemblyAITranscript{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *AssemblyAIClient) getTranscript(ctx context.Context, transcriptID string) (assemblyAITranscript, error) {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/transcript/"+transcriptID, nil)
	if err != nil {
		return assemblyAITranscript{}, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Authorization", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return assemblyAITranscript{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return assemblyAITranscript{}, fmt.Errorf("AssemblyAI API error: %s - %s", resp.Status, string(respBody))
	}

	var transcript assemblyAITranscript
	if err := json.NewDecoder(resp.Body).Decode(&transcript); err != nil {
		return assemblyAITranscript{}, fmt.Errorf("failed to decode response: %w", err)
	}

	return transcript, nil
}

// groupWords folds word-level timestamps into segments of up to
// segmentWords words each, with confidence averaged over the window.
func groupWords(words []assemblyAIWord) []Segment {
	var segments []Segment
	for start := 0; start < len(words); start += segmentWords {
		end := start + segmentWords
		if end > len(words) {
			end = len(words)
		}
		window := words[start:end]

		texts := make([]string, len(window))
		var sum float64
		for i, word := range window {
			texts[i] = word.Text
			sum += word.Confidence
		}

		segments = append(segments, Segment{
			Start:      float64(window[0].Start) / 1000.0,
			End:        float64(window[len(window)-1].End) / 1000.0,
			Text:       strings.Join(texts, " "),
			Confidence: sum / float64(len(window)),
		})
	}
	return segments
}
