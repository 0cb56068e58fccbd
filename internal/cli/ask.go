package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	askTopK      int
	askMaxTokens int
	askSaveDir   string
	askSession   string
	askJSON      bool
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask a question about the uploaded PDFs",
	Long: `Retrieves the pages most relevant to the question, optionally reranks them,
and answers from those page images. The grounding pages are listed with the answer.`,
	Args: cobra.ExactArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().IntVarP(&askTopK, "top-k", "k", 0, "number of pages to answer from (server default when 0)")
	askCmd.Flags().IntVar(&askMaxTokens, "max-tokens", 0, "maximum new tokens to generate (server default when 0)")
	askCmd.Flags().StringVar(&askSaveDir, "save-dir", "", "directory to save the grounding page images to")
	askCmd.Flags().StringVar(&askSession, "session", "", "session id for answer history")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "output the answer as JSON")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	out := cmd.OutOrStdout()
	client := newClient()

	resp, err := client.Ask(ctx, AskRequest{
		Question:     args[0],
		TopK:         askTopK,
		MaxNewTokens: askMaxTokens,
		SessionID:    askSession,
	})
	if err != nil {
		return fmt.Errorf("ask failed: %w", err)
	}

	if askJSON {
		data, err := json.MarshalIndent(resp, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal answer: %w", err)
		}
		fmt.Fprintln(out, string(data))
	} else if resp.NoResults {
		fmt.Fprintln(out, warning(resp.Message))
		return nil
	} else {
		fmt.Fprintln(out, resp.Answer)
		fmt.Fprintln(out)
		fmt.Fprintln(out, heading("Sources:"))
		for i, p := range resp.Pages {
			fmt.Fprintf(out, "  [%d] %s page %d\n", i+1, p.Document, p.PageNumber)
		}
		if resp.DroppedHits > 0 {
			fmt.Fprintln(out, faint(fmt.Sprintf("  (%d retrieved pages could not be resolved)", resp.DroppedHits)))
		}
	}

	if askSaveDir == "" || len(resp.Pages) == 0 {
		return nil
	}
	return savePages(ctx, cmd, client, resp.Pages)
}

func savePages(ctx context.Context, cmd *cobra.Command, client *Client, pages []Page) error {
	if err := os.MkdirAll(askSaveDir, 0o755); err != nil {
		return err
	}

	for i, p := range pages {
		data, err := client.PageImage(ctx, p.ImageURL)
		if err != nil {
			return fmt.Errorf("failed to download page %d of %s: %w", p.PageNumber, p.Document, err)
		}
		name := fmt.Sprintf("%02d_doc%d_page%d.png", i+1, p.DocumentID, p.PageNumber)
		if err := os.WriteFile(filepath.Join(askSaveDir, name), data, 0o644); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %d page images to %s\n", success("Saved"), len(pages), askSaveDir)
	return nil
}
