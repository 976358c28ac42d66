// Command cdss evaluates patients against a rule catalog from the command
// line and manages the database schema.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pharmacy-cdss-server/internal/app"
	"github.com/pharmacy-cdss-server/internal/config"
	"github.com/pharmacy-cdss-server/internal/domain"
	"github.com/pharmacy-cdss-server/internal/logging"
	"github.com/pharmacy-cdss-server/internal/mcp"
	"github.com/pharmacy-cdss-server/internal/service"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "cdss",
		Short:        "Pharmacy clinical decision support tools",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().String("log-level", "warn", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(taxonomyCmd())
	rootCmd.AddCommand(classifyCmd())
	rootCmd.AddCommand(migrateCmd())
	return rootCmd
}

func cliLogger(cmd *cobra.Command) *logrus.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	return logging.New(domain.LoggingConfig{Level: level, Format: "text", Output: "stderr"})
}

// evaluateInput is the file format read by the evaluate command.
type evaluateInput struct {
	Patient     *domain.PatientRecord     `json:"patient"`
	Medications []domain.MedicationRecord `json:"medications"`
	Rules       []domain.RawRule          `json:"rules"`
}

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate one patient and print the alerts or report",
		RunE: func(cmd *cobra.Command, args []string) error {
			inputPath, _ := cmd.Flags().GetString("input")
			rulesPath, _ := cmd.Flags().GetString("rules")
			asReport, _ := cmd.Flags().GetBool("report")
			severity, _ := cmd.Flags().GetString("severity")

			filter, err := domain.ParseSeverityFilter(severity)
			if err != nil {
				return err
			}

			input, err := readInput(inputPath, cmd.InOrStdin())
			if err != nil {
				return err
			}
			if input.Patient == nil {
				return fmt.Errorf("input has no patient")
			}
			if rulesPath != "" {
				if input.Rules, err = mcp.LoadRulesFile(rulesPath); err != nil {
					return err
				}
			}

			analysis, err := service.NewAnalysisService(nil, nil, service.AnalysisOptions{}, cliLogger(cmd))
			if err != nil {
				return err
			}
			result, err := analysis.Evaluate(context.Background(), input.Patient,
				domain.ActiveMedications(input.Medications), input.Rules)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asReport {
				data, err := service.ReportFromResult(input.Patient, result).Marshal()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(out, string(data))
				return err
			}
			return printAlerts(out, service.FilterBySeverity(result.Alerts, filter), result.Stats)
		},
	}
	cmd.Flags().StringP("input", "i", "-", "Patient JSON file, or - for stdin")
	cmd.Flags().String("rules", "", "Rule catalog JSON file overriding the input's rules")
	cmd.Flags().Bool("report", false, "Print the full export report instead of alerts")
	cmd.Flags().String("severity", "all", "Show only alerts of this severity")
	return cmd
}

func readInput(path string, stdin io.Reader) (*evaluateInput, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		r = f
	}
	var input evaluateInput
	if err := json.NewDecoder(r).Decode(&input); err != nil {
		return nil, fmt.Errorf("failed to parse input: %w", err)
	}
	return &input, nil
}

func printAlerts(w io.Writer, alerts []domain.Alert, stats domain.AlertStats) error {
	fmt.Fprintf(w, "%d rules evaluated, %d alerts\n", stats.RulesEvaluated, stats.AlertCount)
	for _, a := range alerts {
		fmt.Fprintf(w, "[%s] %s (%s / %s): %s\n", a.Severity, a.ID, a.Category, a.Cause, a.Message)
		if a.Recommendation != "" {
			fmt.Fprintf(w, "    -> %s\n", a.Recommendation)
		}
	}
	return nil
}

func taxonomyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "taxonomy",
		Short: "Print the DRN categories as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(service.NewStaticTaxonomy().Categories())
		},
	}
}

func classifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "classify <rule_type> [rule_name]",
		Short: "Show the DRN classification of a rule type",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) > 1 {
				name = args[1]
			}
			c := service.NewStaticTaxonomy().Classify(args[0], name)
			fmt.Fprintf(cmd.OutOrStdout(), "category=%s cause=%q dtp=%q mapped=%t\n", c.Category, c.CauseName, c.DTPType, c.Mapped)
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}
	cmd.PersistentFlags().String("config", "", "Configuration file")
	cmd.PersistentFlags().String("dir", "", "Migrations directory; empty uses the embedded migrations")

	run := func(up bool) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			dir, _ := cmd.Flags().GetString("dir")

			var (
				cm  *config.Manager
				err error
			)
			if configFile != "" {
				cm, err = config.NewManagerWithFile(configFile)
			} else {
				cm, err = config.NewManager()
			}
			if err != nil {
				return err
			}
			return app.Migrate(context.Background(), cm.GetDatabaseURL(), dir, cliLogger(cmd), up)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE:  run(true),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the last migration",
		RunE:  run(false),
	})
	return cmd
}
