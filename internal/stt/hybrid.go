package stt

import (
	"context"
	"fmt"
	"log"
	"time"
)

const (
	// DefaultConfidenceThreshold is the segment confidence below which the
	// primary result is distrusted and the secondary provider is engaged.
	DefaultConfidenceThreshold = 0.85

	// DefaultProviderTimeout bounds a single provider call.
	DefaultProviderTimeout = 30 * time.Second
)

// HybridClient implements the Provider interface over a primary and a
// secondary provider. The secondary runs when the primary fails outright or
// returns any segment below the confidence threshold; the primary is never
// retried within one Transcribe call.
type HybridClient struct {
	primary   Provider
	secondary Provider
	threshold float64
	timeout   time.Duration
	logger    *log.Logger
}

// HybridConfig holds configuration for the hybrid client.
type HybridConfig struct {
	ConfidenceThreshold float64       // Optional, defaults to 0.85
	ProviderTimeout     time.Duration // Optional, defaults to 30s
}

// NewHybridClient creates a hybrid client over two providers.
func NewHybridClient(primary, secondary Provider, cfg HybridConfig, logger *log.Logger) *HybridClient {
	threshold := cfg.ConfidenceThreshold
	if threshold == 0 {
		threshold = DefaultConfidenceThreshold
	}
	timeout := cfg.ProviderTimeout
	if timeout == 0 {
		timeout = DefaultProviderTimeout
	}
	return &HybridClient{
		primary:   primary,
		secondary: secondary,
		threshold: threshold,
		timeout:   timeout,
		logger:    logger,
	}
}

// Name implements the Provider interface.
func (c *HybridClient) Name() string { return "hybrid" }

// Transcribe applies the fallback policy. A result produced by the
// secondary provider is marked FallbackUsed. When both providers fail the
// error wraps ErrUnavailable; a low-confidence primary result is discarded
// rather than returned as a best effort.
func (c *HybridClient) Transcribe(ctx context.Context, audio []byte) (Result, error) {
	primary, primaryErr := c.transcribeWith(ctx, c.primary, audio)
	if primaryErr == nil {
		confidence := primary.MinConfidence()
		if confidence >= c.threshold {
			return primary, nil
		}
		c.logger.Printf("stt: %s confidence %.2f below %.2f, falling back to %s", c.primary.Name(), confidence, c.threshold, c.secondary.Name())
		primaryErr = fmt.Errorf("confidence %.2f below threshold %.2f", confidence, c.threshold)
	} else {
		c.logger.Printf("stt: %s failed, falling back to %s: %v", c.primary.Name(), c.secondary.Name(), primaryErr)
	}

	secondary, secondaryErr := c.transcribeWith(ctx, c.secondary, audio)
	if secondaryErr != nil {
		return Result{}, fmt.Errorf("%w: %s: %v; %s: %v", ErrUnavailable, c.primary.Name(), primaryErr, c.secondary.Name(), secondaryErr)
	}

	secondary.FallbackUsed = true
	return secondary, nil
}

func (c *HybridClient) transcribeWith(ctx context.Context, provider Provider, audio []byte) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return provider.Transcribe(ctx, audio)
}
