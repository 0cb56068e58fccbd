package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "List the indexed documents",
	Args:  cobra.NoArgs,
	RunE:  runDocs,
}

var historyCmd = &cobra.Command{
	Use:   "history [session]",
	Short: "Show the questions asked in a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

var (
	historyLast  int
	historyClear bool
)

func init() {
	historyCmd.Flags().IntVarP(&historyLast, "last", "n", 0, "show only the last n questions")
	historyCmd.Flags().BoolVar(&historyClear, "clear", false, "forget the session's questions")

	rootCmd.AddCommand(docsCmd)
	rootCmd.AddCommand(historyCmd)
}

func runDocs(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	resp, err := newClient().Documents(context.Background())
	if err != nil {
		return fmt.Errorf("failed to list documents: %w", err)
	}
	if len(resp.Documents) == 0 {
		fmt.Fprintln(out, "No documents indexed.")
		return nil
	}

	fmt.Fprintf(out, "%s %s\n", heading("Index"), resp.IndexName)
	for _, d := range resp.Documents {
		fmt.Fprintf(out, "  [%d] %s (%d pages)\n", d.DocumentID, d.Name, d.Pages)
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if historyClear {
		if err := newClient().ClearHistory(context.Background(), args[0]); err != nil {
			return fmt.Errorf("failed to clear history: %w", err)
		}
		fmt.Fprintf(out, "Cleared session %s.\n", args[0])
		return nil
	}

	resp, err := newClient().History(context.Background(), args[0], historyLast)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	if len(resp.Entries) == 0 {
		fmt.Fprintln(out, "No questions in this session.")
		return nil
	}

	for _, e := range resp.Entries {
		fmt.Fprintf(out, "%s %s\n", heading("Q:"), e.Question)
		if e.NoResults {
			fmt.Fprintf(out, "%s %s\n", heading("A:"), warning("no relevant pages found"))
			continue
		}
		fmt.Fprintf(out, "%s %s\n", heading("A:"), e.Answer)
	}
	return nil
}
