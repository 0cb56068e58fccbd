package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/knoguchi/pagerag/internal/repository"
)

var uploadCmd = &cobra.Command{
	Use:   "upload [pdf...]",
	Short: "Upload PDFs and index them",
	Long: `Uploads PDF files and indexes every page as an image. The uploaded set replaces
the documents the server answers from.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runUpload,
}

func init() {
	rootCmd.AddCommand(uploadCmd)
}

func runUpload(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	report, err := newClient().Upload(context.Background(), args)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}

	for _, d := range report.Documents {
		switch d.Status {
		case repository.DocumentStatusIndexed:
			fmt.Fprintf(out, "  %s %s (%d pages)\n", success("✓"), d.Name, d.Pages)
		case repository.DocumentStatusDuplicate, repository.DocumentStatusRejected:
			fmt.Fprintf(out, "  %s %s: %s\n", warning("-"), d.Name, d.Error)
		default:
			fmt.Fprintf(out, "  %s %s: %s\n", failure("✗"), d.Name, d.Error)
		}
	}

	if report.Indexed == 0 {
		return errors.New("no documents were indexed")
	}
	fmt.Fprintf(out, "%s %d documents, %d pages into %s\n",
		heading("Indexed"), report.Indexed, report.Pages, report.IndexName)
	return nil
}
