package costs

import (
	"testing"
)

func TestEstimateChunks(t *testing.T) {
	tests := []struct {
		name   string
		usages []ChunkUsage
		want   Estimate
	}{
		{
			name: "whisper only session",
			usages: []ChunkUsage{
				{DurationSeconds: 300, Provider: "whisper"},
				{DurationSeconds: 300, Provider: "whisper"},
			},
			// Whisper: 10 min * 0.6 = 6 cents
			want: Estimate{
				WhisperCents:    6,
				AssemblyAICents: 0,
				TotalCents:      6,
			},
		},
		{
			name: "fallback chunk bills both providers",
			usages: []ChunkUsage{
				{DurationSeconds: 600, Provider: "whisper"},
				{DurationSeconds: 600, Provider: "assemblyai"},
			},
			// Whisper sees all 20 min: 20 * 0.6 = 12 cents
			// AssemblyAI sees the fallback 10 min: 10 * 0.62 = 6.2 -> 6 cents
			want: Estimate{
				WhisperCents:    12,
				AssemblyAICents: 6,
				TotalCents:      18,
			},
		},
		{
			name: "short chunks round once at the end",
			usages: []ChunkUsage{
				{DurationSeconds: 30, Provider: "whisper"},
				{DurationSeconds: 30, Provider: "whisper"},
				{DurationSeconds: 30, Provider: "whisper"},
				{DurationSeconds: 30, Provider: "whisper"},
			},
			// Each chunk alone is 0.3 cents; the sum 1.2 rounds to 1 cent.
			want: Estimate{
				WhisperCents:    1,
				AssemblyAICents: 0,
				TotalCents:      1,
			},
		},
		{
			name:   "no chunks",
			usages: nil,
			want: Estimate{
				WhisperCents:    0,
				AssemblyAICents: 0,
				TotalCents:      0,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateChunks(tt.usages)
			if got.WhisperCents != tt.want.WhisperCents {
				t.Errorf("WhisperCents = %d, want %d", got.WhisperCents, tt.want.WhisperCents)
			}
			if got.AssemblyAICents != tt.want.AssemblyAICents {
				t.Errorf("AssemblyAICents = %d, want %d", got.AssemblyAICents, tt.want.AssemblyAICents)
			}
			if got.TotalCents != tt.want.TotalCents {
				t.Errorf("TotalCents = %d, want %d", got.TotalCents, tt.want.TotalCents)
			}
		})
	}
}

func TestEstimateChunk(t *testing.T) {
	// A single 10 minute fallback chunk: 10*0.6 = 6 whisper cents plus
	// 10*0.62 = 6.2 -> 6 assemblyai cents.
	got := EstimateChunk(ChunkUsage{DurationSeconds: 600, Provider: "assemblyai"})
	want := Estimate{WhisperCents: 6, AssemblyAICents: 6, TotalCents: 12}
	if got != want {
		t.Errorf("EstimateChunk = %+v, want %+v", got, want)
	}
}
