package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/avikram/transcriptd/internal/store"
)

// AudioSource hands the pipeline the audio bytes for a chunk. The upload
// transport is not part of this module; deployments plug in whatever holds
// the uploaded files.
type AudioSource interface {
	ChunkAudio(ctx context.Context, chunk store.Chunk) ([]byte, error)
}

// DirAudioSource reads chunk audio from a directory tree laid out as
// <root>/<session_id>/chunk-<sequence_index>.wav.
type DirAudioSource struct {
	root string
}

// NewDirAudioSource creates an AudioSource over the given directory.
func NewDirAudioSource(root string) *DirAudioSource {
	return &DirAudioSource{root: root}
}

// ChunkPath returns where the chunk's audio file is expected.
func (d *DirAudioSource) ChunkPath(chunk store.Chunk) string {
	return filepath.Join(d.root, chunk.SessionID, fmt.Sprintf("chunk-%d.wav", chunk.SequenceIndex))
}

func (d *DirAudioSource) ChunkAudio(_ context.Context, chunk store.Chunk) ([]byte, error) {
	audio, err := os.ReadFile(d.ChunkPath(chunk))
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk audio: %w", err)
	}
	return audio, nil
}
