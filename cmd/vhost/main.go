// vhost runs one virtual host: a socket bridge over the reference TCP/IP
// engine, linked to its peers over UDP, driven from an interactive monitor.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var opts options
	rootCmd := &cobra.Command{
		Use:   "vhost",
		Short: "Run a virtual host on the UDP-linked lab network",
		Long: `vhost brings up a virtual interface, attaches it to its UDP wire and
reads monitor commands from stdin. Type "help" at the prompt for the list.

Examples:
  vhost --config h1.yaml
  vhost --config h1.yaml --log-level debug --debug-addr 127.0.0.1:9100`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	opts.register(rootCmd)
	rootCmd.AddCommand(checkCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func checkCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a host configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(path, "", "")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: interface %s %s ok\n", path, cfg.Interface.Name, cfg.Interface.Address)
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "host configuration file")
	cmd.MarkFlagRequired("config")
	return cmd
}
