// session.go implements "transcriptd session", inspection and control of
// interview sessions.
package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var sessionEventsLimit int

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and control interview sessions",
}

var sessionSummaryCmd = &cobra.Command{
	Use:   "summary <session-id>",
	Short: "Show a session's progress and missing chunks",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionSummary,
}

var sessionGapsCmd = &cobra.Command{
	Use:   "gaps <session-id>",
	Short: "List the sequence indices missing from a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionGaps,
}

var sessionTranscriptCmd = &cobra.Command{
	Use:   "transcript <session-id>",
	Short: "Assemble and print the session transcript",
	Long: `Assemble the transcript from whatever chunks have been transcribed
so far. With --json the individual segments are printed with session-relative
times, confidence and provider.`,
	Args: cobra.ExactArgs(1),
	RunE: runSessionTranscript,
}

var sessionTotalCmd = &cobra.Command{
	Use:   "total <session-id> <count>",
	Short: "Record how many chunks the capture client will upload",
	Args:  cobra.ExactArgs(2),
	RunE:  runSessionTotal,
}

var sessionCompleteCmd = &cobra.Command{
	Use:   "complete <session-id>",
	Short: "Check completion and mark the session completed if satisfied",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionComplete,
}

var sessionAbandonCmd = &cobra.Command{
	Use:   "abandon <session-id>",
	Short: "Abandon a session, keeping its chunks",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionAbandon,
}

var sessionEventsCmd = &cobra.Command{
	Use:   "events <session-id>",
	Short: "Show a session's audit trail",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionEvents,
}

func init() {
	sessionEventsCmd.Flags().IntVar(&sessionEventsLimit, "limit", 50, "Maximum events to show")

	sessionCmd.AddCommand(sessionSummaryCmd)
	sessionCmd.AddCommand(sessionGapsCmd)
	sessionCmd.AddCommand(sessionTranscriptCmd)
	sessionCmd.AddCommand(sessionTotalCmd)
	sessionCmd.AddCommand(sessionCompleteCmd)
	sessionCmd.AddCommand(sessionAbandonCmd)
	sessionCmd.AddCommand(sessionEventsCmd)
}

func runSessionSummary(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	sum, err := a.Manager().Summary(context.Background(), args[0])
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(sum)
	}

	fmt.Printf("Session: %s\n", sum.SessionID)
	fmt.Printf("Status:  %s\n", sum.Status)
	if sum.TotalChunks != nil {
		fmt.Printf("Chunks:  %d/%d uploaded, %d transcribed\n", sum.UploadedChunks, *sum.TotalChunks, sum.TranscribedChunks)
	} else {
		fmt.Printf("Chunks:  %d uploaded (total unknown), %d transcribed\n", sum.UploadedChunks, sum.TranscribedChunks)
	}
	fmt.Printf("Audio:   %.1fs\n", sum.TotalDurationSeconds)
	if len(sum.Gaps) > 0 {
		fmt.Printf("Gaps:    %v\n", sum.Gaps)
	}
	if sum.TranscribedChunks > 0 {
		est, err := a.Manager().CostEstimate(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Est STT: $%d.%02d\n", est.TotalCents/100, est.TotalCents%100)
	}
	return nil
}

func runSessionGaps(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	gaps, err := a.Manager().Gaps(context.Background(), args[0])
	if err != nil {
		return err
	}
	if jsonOut {
		if gaps == nil {
			gaps = []int{}
		}
		return printJSON(gaps)
	}
	if len(gaps) == 0 {
		fmt.Println("no gaps")
		return nil
	}
	fmt.Printf("missing sequence indices: %v\n", gaps)
	return nil
}

func runSessionTranscript(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	tr, err := a.Manager().Transcript(context.Background(), args[0])
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(tr)
	}
	fmt.Println(tr.Text())
	return nil
}

func runSessionTotal(cmd *cobra.Command, args []string) error {
	total, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid count %q: %w", args[1], err)
	}

	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Manager().SignalTotalChunks(context.Background(), args[0], total); err != nil {
		return err
	}
	fmt.Printf("session %s expects %d chunks\n", args[0], total)
	return nil
}

func runSessionComplete(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	done, err := a.Manager().CheckCompletion(context.Background(), args[0])
	if err != nil {
		return err
	}
	if done {
		fmt.Printf("session %s is complete\n", args[0])
		return nil
	}

	gaps, err := a.Manager().Gaps(context.Background(), args[0])
	if err != nil {
		return err
	}
	if len(gaps) > 0 {
		fmt.Printf("session %s is not complete: missing sequence indices %v\n", args[0], gaps)
	} else {
		fmt.Printf("session %s is not complete\n", args[0])
	}
	return nil
}

func runSessionAbandon(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Manager().Abandon(context.Background(), args[0]); err != nil {
		return err
	}
	fmt.Printf("session %s abandoned\n", args[0])
	return nil
}

func runSessionEvents(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	evs, err := a.Store().SessionEvents(context.Background(), args[0], sessionEventsLimit)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(evs)
	}
	for _, e := range evs {
		fmt.Printf("%s  %-22s  %s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.EventType, string(e.EventData))
	}
	return nil
}
