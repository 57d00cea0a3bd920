package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/BTreeMap/CivicPipe/internal/flow"
	"github.com/BTreeMap/CivicPipe/internal/models"
)

// newValidateCmd checks flow document files offline. Files given together are also
// checked against each other for trigger collisions, as if activated side by side.
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE...",
		Short: "Validate flow documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validateFiles(cmd.OutOrStdout(), args)
		},
	}
}

func validateFiles(out io.Writer, paths []string) error {
	var (
		valid  []models.FlowDocument
		failed int
	)
	for _, path := range paths {
		doc, err := flow.LoadDocumentFile(path)
		if err == nil {
			err = flow.ValidateDocument(doc)
		}
		if err != nil {
			failed++
			reportInvalid(out, path, err)
			continue
		}
		fmt.Fprintf(out, "ok       %s (flow %s, %d steps, %d triggers)\n", path, doc.ID, len(doc.Steps), len(doc.Triggers))
		valid = append(valid, doc)
	}

	for i, doc := range valid {
		err := flow.CheckTriggerConflicts(doc, valid[i+1:])
		var conflict *flow.TriggerConflictError
		if errors.As(err, &conflict) {
			failed++
			for _, c := range conflict.Conflicts {
				fmt.Fprintf(out, "conflict %s %q used by flows %s and %s\n", c.Type, c.Value, c.FlowID, c.OtherFlowID)
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d problem(s) found", failed)
	}
	return nil
}

func reportInvalid(out io.Writer, path string, err error) {
	var docErr *flow.DocumentError
	if !errors.As(err, &docErr) {
		fmt.Fprintf(out, "invalid  %s: %v\n", path, err)
		return
	}
	fmt.Fprintf(out, "invalid  %s (flow %s)\n", path, docErr.FlowID)
	for _, issue := range docErr.Issues {
		fmt.Fprintf(out, "  - %s\n", issue)
	}
}
