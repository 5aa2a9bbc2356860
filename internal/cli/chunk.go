// chunk.go implements "transcriptd chunk", registration and one-shot
// transcription of individual chunks.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	chunkDuration float64
	chunkOverlap  float64
)

var chunkCmd = &cobra.Command{
	Use:   "chunk",
	Short: "Register and transcribe audio chunks",
}

var chunkRegisterCmd = &cobra.Command{
	Use:   "register <session-id> <sequence-index>",
	Short: "Register one uploaded chunk",
	Long: `Register a chunk of an interview session. The first registration for
a session creates it. Re-registering the same sequence index with identical
parameters is a no-op; with different parameters it is rejected.`,
	Args: cobra.ExactArgs(2),
	RunE: runChunkRegister,
}

var chunkTranscribeCmd = &cobra.Command{
	Use:   "transcribe <chunk-id>",
	Short: "Transcribe one chunk now",
	Long: `Run the full transcription lifecycle for one chunk in the
foreground: claim it, call the provider chain with retries, and store the
segments. Useful for re-driving a chunk without the worker.`,
	Args: cobra.ExactArgs(1),
	RunE: runChunkTranscribe,
}

func init() {
	chunkRegisterCmd.Flags().Float64Var(&chunkDuration, "duration", 0, "Chunk duration in seconds (required)")
	chunkRegisterCmd.Flags().Float64Var(&chunkOverlap, "overlap", -1, "Seconds of audio repeated from the previous chunk (default from config)")
	_ = chunkRegisterCmd.MarkFlagRequired("duration")

	chunkCmd.AddCommand(chunkRegisterCmd)
	chunkCmd.AddCommand(chunkTranscribeCmd)
}

func runChunkRegister(cmd *cobra.Command, args []string) error {
	seq, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid sequence index %q: %w", args[1], err)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	overlap := chunkOverlap
	if overlap < 0 {
		overlap = a.Config().DefaultOverlapSeconds
	}

	chunk, err := a.Manager().RegisterChunk(context.Background(), args[0], seq, overlap, chunkDuration)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(chunk)
	}
	fmt.Printf("registered chunk %s (session %s, seq %d, %.1fs, overlap %.1fs)\n",
		chunk.ID, chunk.SessionID, chunk.SequenceIndex, chunk.DurationSeconds, chunk.OverlapSeconds)
	return nil
}

func runChunkTranscribe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := a.Workers().ProcessChunk(ctx, args[0])
	if err != nil {
		return err
	}
	if res.Provider == "" {
		// Nothing was attempted: the chunk was already claimed or its
		// session is no longer active.
		fmt.Printf("chunk %s skipped\n", args[0])
		return nil
	}
	if jsonOut {
		return printJSON(res)
	}

	fmt.Printf("chunk %s: %d segment(s) via %s", args[0], len(res.Segments), res.Provider)
	if res.FallbackUsed {
		fmt.Print(" (fallback)")
	}
	fmt.Println()
	if res.Text != "" {
		fmt.Println(res.Text)
	}
	return nil
}
