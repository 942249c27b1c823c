package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quarry-dev/quarry/internal/config"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask an analytical question about the ingested datasets",
	Long: `Ask an analytical question about the ingested datasets.

Examples:
  quarry ask "what were total sales by region last quarter?"
  quarry ask --conversation 1b2a "break that down by month"
  quarry ask --json "top 10 customers by revenue"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		conversationID, _ := cmd.Flags().GetString("conversation")
		jsonOut, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var final json.RawMessage
		var failure string
		err = client.streamAsk(cmd.Context(), question, conversationID, func(kind string, data json.RawMessage) {
			switch kind {
			case "completed":
				var wrapper struct {
					Response json.RawMessage `json:"response"`
				}
				if json.Unmarshal(data, &wrapper) == nil && wrapper.Response != nil {
					final = wrapper.Response
				}
			case "failed":
				var ev struct {
					Message string `json:"message"`
				}
				json.Unmarshal(data, &ev)
				failure = ev.Message
			case "unit_started":
				var ev struct {
					Unit struct {
						Name string `json:"name"`
					} `json:"unit"`
				}
				if json.Unmarshal(data, &ev) == nil && !jsonOut {
					printStep("analyzing: %s", ev.Unit.Name)
				}
			case "retry_scheduled":
				var ev struct {
					Attempt  int    `json:"attempt"`
					Category string `json:"category"`
				}
				if json.Unmarshal(data, &ev) == nil && !jsonOut {
					printStep("retrying (attempt %d, %s)", ev.Attempt+1, ev.Category)
				}
			}
		})
		if err != nil {
			return err
		}
		if failure != "" {
			return fmt.Errorf("analysis failed: %s", failure)
		}
		if final == nil {
			return fmt.Errorf("stream ended without a result")
		}

		if jsonOut {
			os.Stdout.Write(final)
			fmt.Println()
			return nil
		}
		return printAnswer(final)
	},
}

func printAnswer(raw json.RawMessage) error {
	var resp struct {
		ConversationID string `json:"conversation_id"`
		Answer         string `json:"answer"`
		Query          string `json:"query"`
		Rows           struct {
			Columns []string         `json:"columns"`
			Records []map[string]any `json:"records"`
		} `json:"rows"`
		TotalUnits      int `json:"total_units"`
		SuccessfulUnits int `json:"successful_units"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	fmt.Println(resp.Answer)
	if resp.Query != "" {
		fmt.Printf("\n%s %s\n", colorize(colorBold, "Query:"), resp.Query)
	}
	if len(resp.Rows.Records) > 0 {
		fmt.Printf("%s %d rows\n", colorize(colorBold, "Rows:"), len(resp.Rows.Records))
	}
	if resp.TotalUnits > 1 {
		fmt.Printf("%s %d/%d units succeeded\n", colorize(colorBold, "Units:"), resp.SuccessfulUnits, resp.TotalUnits)
	}
	fmt.Printf("%s %s\n", colorize(colorBold, "Conversation:"), resp.ConversationID)
	return nil
}

func init() {
	askCmd.Flags().String("conversation", "", "conversation id for follow-up questions")
	askCmd.Flags().Bool("json", false, "print the raw JSON response")
}

// --- datasets ---

var datasetsCmd = &cobra.Command{
	Use:   "datasets",
	Short: "Manage ingested datasets",
}

var datasetsIngestCmd = &cobra.Command{
	Use:   "ingest <file.csv>",
	Short: "Ingest a CSV file as a dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		name, _ := cmd.Flags().GetString("name")
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/v1/datasets", map[string]string{
			"name": name,
			"csv":  string(data),
		})
		if err != nil {
			return err
		}

		var ds datasetInfo
		if err := decodeJSON(resp, &ds); err != nil {
			return err
		}

		printSuccess("Ingested %s (%d rows, %d columns)", ds.Name, ds.RowCount, len(ds.Columns))
		return nil
	},
}

var datasetsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingested datasets",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		datasets, err := client.listDatasets(cmd.Context())
		if err != nil {
			return err
		}

		if len(datasets) == 0 {
			fmt.Println("No datasets ingested.")
			return nil
		}

		for _, ds := range datasets {
			cols := make([]string, len(ds.Columns))
			for i, c := range ds.Columns {
				cols[i] = fmt.Sprintf("%s %s", c.Name, c.Type)
			}
			fmt.Printf("%s  %d rows\n", colorize(colorBold, ds.Name), ds.RowCount)
			fmt.Printf("  %s\n", strings.Join(cols, ", "))
		}
		return nil
	},
}

func init() {
	datasetsIngestCmd.Flags().String("name", "", "dataset name (default: file name without extension)")
	datasetsCmd.AddCommand(datasetsIngestCmd)
	datasetsCmd.AddCommand(datasetsListCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
