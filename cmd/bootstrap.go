package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Create the search index if it does not exist",
	Run: func(cmd *cobra.Command, args []string) {
		engine := newEngine(cfg)
		defer engine.Close()
		bootstrapIndex(context.Background(), engine)
	},
}

func init() {
	rootCmd.AddCommand(bootstrapCmd)
}
