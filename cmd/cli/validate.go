package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"triggerflow/internal/models"
	"triggerflow/internal/services"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <automation.json>",
	Short: "Validate an automation definition file",
	Long: `Validate checks an automation JSON file the way the API would on
create: trigger shape, action structure, condition structure, and template
syntax. Tool existence is not checked offline.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}

		var def struct {
			Name          string          `json:"name"`
			TriggerType   string          `json:"trigger_type"`
			TriggerConfig json.RawMessage `json:"trigger_config"`
			Actions       json.RawMessage `json:"actions"`
			Variables     json.RawMessage `json:"variables"`
		}
		if err := json.Unmarshal(raw, &def); err != nil {
			return fmt.Errorf("not valid JSON: %w", err)
		}

		automation := &models.Automation{
			Name:          def.Name,
			TriggerType:   def.TriggerType,
			TriggerConfig: string(def.TriggerConfig),
			Actions:       string(def.Actions),
			Variables:     string(def.Variables),
		}

		errs := services.ValidateAutomation(context.Background(), automation, nil)
		if len(errs) > 0 {
			for _, e := range errs {
				fmt.Fprintln(os.Stderr, "  -", e)
			}
			return fmt.Errorf("%d validation error(s)", len(errs))
		}
		fmt.Println("automation is valid")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
