package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/conductor/internal/plan"
	"github.com/Iron-Ham/conductor/internal/scheduler"
)

var validateCmd = &cobra.Command{
	Use:   "validate <batch-file>",
	Short: "Check a batch file without running it",
	Long: `Parse a batch file and build its dependency graph without touching any
workspace. Prints the order tasks would become ready in and the pairs of
tasks whose declared files overlap, which are never run together.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

var validateJSON bool

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().BoolVar(&validateJSON, "json", false, "Print the result as JSON")
}

// batchSummary is the validate command's JSON output.
type batchSummary struct {
	Name     string              `json:"name,omitempty"`
	Tasks    int                 `json:"tasks"`
	Order    []string            `json:"order"`
	Overlaps []scheduler.Overlap `json:"overlaps"`
}

func runValidate(cmd *cobra.Command, args []string) error {
	batch, err := plan.Load(args[0])
	if err != nil {
		return err
	}
	graph, err := batch.Graph()
	if err != nil {
		return err
	}

	summary := batchSummary{
		Name:     batch.Name,
		Tasks:    graph.Len(),
		Order:    graph.TopologicalOrder(),
		Overlaps: scheduler.Overlaps(graph.Tasks()),
	}
	if summary.Overlaps == nil {
		summary.Overlaps = []scheduler.Overlap{}
	}

	out := cmd.OutOrStdout()
	if validateJSON {
		return writeJSON(out, summary)
	}

	name := summary.Name
	if name == "" {
		name = args[0]
	}
	fmt.Fprintf(out, "%s: %d task(s) OK\n", name, summary.Tasks)
	fmt.Fprintf(out, "Order: %s\n", strings.Join(summary.Order, " -> "))
	if len(summary.Overlaps) == 0 {
		fmt.Fprintln(out, "No overlapping tasks")
		return nil
	}
	fmt.Fprintln(out, "Serialized (overlapping files):")
	for _, o := range summary.Overlaps {
		fmt.Fprintf(out, "  %s <-> %s\n", o.A, o.B)
	}
	return nil
}
