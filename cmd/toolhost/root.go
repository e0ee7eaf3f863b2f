package main

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "toolhost",
		Short: "toolhost - containerized tool plugin host",
		Long: `toolhost runs containerized tool plugins and routes tool calls to them.

Each plugin is an OCI image speaking newline-delimited JSON over stdio.
The daemon pulls the image, launches the container, discovers its tools,
and exposes everything alongside the built-in tools over one HTTP API.`,
		Version: version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	rootCmd.AddCommand(newServeCommand())

	return rootCmd
}
