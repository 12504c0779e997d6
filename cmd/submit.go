package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	submitTemplate string
	submitFile     string
)

var submitCmd = &cobra.Command{
	Use:   "submit [rfp.json]",
	Short: "Submit an RFP document to the daemon",
	Long: `Submits an RFP document and prints the workflow id. The document is a
JSON object; raw_text plus any pre-extracted fields such as estimated_value,
complexity, or is_standard_product. Reads from the file argument, --file, or
stdin.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitTemplate, "template", "t", "",
		"template id (default: selection predicates choose)")
	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "",
		"path to the RFP JSON document (- for stdin)")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	path := submitFile
	if len(args) == 1 {
		path = args[0]
	}

	var raw []byte
	var err error
	switch path {
	case "", "-":
		raw, err = io.ReadAll(os.Stdin)
	default:
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return fmt.Errorf("reading document: %w", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("document is not a JSON object: %w", err)
	}

	var resp struct {
		WorkflowID string `json:"workflow_id"`
	}
	body := map[string]any{"document": doc}
	if submitTemplate != "" {
		body["template_id"] = submitTemplate
	}
	if err := newAPIClient().post("/rfps", body, &resp); err != nil {
		return err
	}
	fmt.Println(resp.WorkflowID)
	return nil
}
