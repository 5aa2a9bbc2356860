// Package costs estimates speech-to-text provider spend.
package costs

import (
	"os"
	"strconv"
)

// Pricing constants (in cents per audio minute for precision).
// These are based on 2026 list prices and can be overridden via environment variables.
var (
	// WhisperCentsPerMinute is the cost per audio minute for OpenAI Whisper.
	// Default: $0.006/min = 0.6 cents/min
	WhisperCentsPerMinute = getEnvFloat("COST_WHISPER_CENTS_PER_MIN", 0.6)

	// AssemblyAICentsPerMinute is the cost per audio minute for AssemblyAI.
	// Default: $0.37/hr = 0.62 cents/min (rounded)
	AssemblyAICentsPerMinute = getEnvFloat("COST_ASSEMBLYAI_CENTS_PER_MIN", 0.62)
)

// ChunkUsage describes one transcribed chunk for pricing.
type ChunkUsage struct {
	DurationSeconds float64 // audio length sent to the providers
	Provider        string  // provider whose result was accepted
}

// Estimate contains estimated spend in cents, broken down by provider.
type Estimate struct {
	WhisperCents    int
	AssemblyAICents int
	TotalCents      int
}

// EstimateChunks prices a set of transcribed chunks. A chunk whose accepted
// result came from AssemblyAI went through Whisper first (that is the only
// route to the fallback provider), so its audio bills on both. Components are
// rounded to whole cents once, after summing, so many short chunks don't
// round away to zero individually.
func EstimateChunks(usages []ChunkUsage) Estimate {
	var whisperCents, assemblyCents float64
	for _, u := range usages {
		minutes := u.DurationSeconds / 60.0
		whisperCents += minutes * WhisperCentsPerMinute
		if u.Provider == "assemblyai" {
			assemblyCents += minutes * AssemblyAICentsPerMinute
		}
	}

	est := Estimate{
		WhisperCents:    roundToInt(whisperCents),
		AssemblyAICents: roundToInt(assemblyCents),
	}
	est.TotalCents = est.WhisperCents + est.AssemblyAICents
	return est
}

// EstimateChunk prices a single transcribed chunk.
func EstimateChunk(u ChunkUsage) Estimate {
	return EstimateChunks([]ChunkUsage{u})
}

// roundToInt rounds a float to the nearest integer.
func roundToInt(f float64) int {
	if f < 0 {
		return int(f - 0.5)
	}
	return int(f + 0.5)
}

// getEnvFloat returns an environment variable as float64, or the default if not set.
func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}
