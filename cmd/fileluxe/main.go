package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "fileluxe",
		Short:         "Remote file manager server",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./fileluxe.yaml or <user config dir>/fileluxe/fileluxe.yaml)")
	root.AddCommand(serveCommand(&configPath), passwdCommand(&configPath))
	return root
}
