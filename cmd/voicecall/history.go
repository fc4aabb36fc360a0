package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ent0n29/voicebridge/internal/conversation"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Inspect or reset the stored conversation",
}

var historyExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print the conversation window as text or JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")

		conv, store, err := openConversation(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		out, err := exportConversation(conv, format)
		if err != nil {
			return err
		}
		if output == "" {
			fmt.Println(out)
			return nil
		}
		if err := os.WriteFile(output, []byte(out), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", output, err)
		}
		printVerbose("wrote %d turns to %s", conv.TurnCount(), output)
		return nil
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every stored turn",
	RunE: func(cmd *cobra.Command, args []string) error {
		conv, store, err := openConversation(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		n := conv.TurnCount()
		conv.Clear()
		fmt.Printf("cleared %d turns\n", n)
		return nil
	},
}

func exportConversation(conv *conversation.Manager, format string) (string, error) {
	switch format {
	case "", "text":
		return conv.ExportText(), nil
	case "json":
		return conv.ExportJSON()
	default:
		return "", fmt.Errorf("unknown format %q (expected text|json)", format)
	}
}

func init() {
	historyExportCmd.Flags().String("format", "text", "output format: text|json")
	historyExportCmd.Flags().StringP("output", "o", "", "write to file instead of stdout")

	historyCmd.AddCommand(historyExportCmd)
	historyCmd.AddCommand(historyClearCmd)
}
