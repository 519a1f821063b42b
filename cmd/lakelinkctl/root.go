package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devrev/lakelink/internal/client"
	"github.com/devrev/lakelink/internal/errors"
	"github.com/devrev/lakelink/internal/model"
)

var version = "dev"

// cliOptions carries the resolved root flags
type cliOptions struct {
	network string
	address string
	output  string
	timeout time.Duration
	out     io.Writer
}

func execute() int {
	opts := &cliOptions{out: os.Stdout}
	rootCmd := newRootCmd(opts)
	if err := rootCmd.Execute(); err != nil {
		if opts.output == "json" {
			_ = printJSON(os.Stdout, map[string]interface{}{
				"error": err.Error(),
				"code":  errors.GetCode(err).String(),
			})
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd(opts *cliOptions) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "lakelinkctl",
		Short:         "lakelink command-line client",
		Long:          "Command-line client for a running lakelink server.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Precedence: flag > env > default
			if !cmd.Flags().Changed("network") {
				if v := os.Getenv("LAKELINK_NETWORK"); v != "" {
					opts.network = v
				}
			}
			if !cmd.Flags().Changed("address") {
				if v := os.Getenv("LAKELINK_ADDRESS"); v != "" {
					opts.address = v
				}
			}
			if opts.output != "table" && opts.output != "json" {
				return fmt.Errorf("unsupported output format %q: use 'table' or 'json'", opts.output)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.network, "network", "unix", "Server network (unix, tcp)")
	rootCmd.PersistentFlags().StringVar(&opts.address, "address", "lakelink/lakelink.sock", "Server socket path or host:port")
	rootCmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "Output format (table, json)")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Request timeout")
	rootCmd.SetOut(opts.out)

	rootCmd.AddCommand(newCreateTableCmd(opts))
	rootCmd.AddCommand(newDropTableCmd(opts))
	rootCmd.AddCommand(newSnapshotCmd(opts))
	rootCmd.AddCommand(newScanCmd(opts))
	rootCmd.AddCommand(newListCmd(opts))
	rootCmd.AddCommand(newLoadCmd(opts))
	rootCmd.AddCommand(newOptimizeCmd(opts))
	rootCmd.AddCommand(newVersionCmd(opts))

	return rootCmd
}

// withClient runs fn with a connected client and a request deadline
func withClient(cmd *cobra.Command, opts *cliOptions, fn func(ctx context.Context, c *client.LakeClient) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	c := client.NewLakeClient(opts.network, opts.address, zap.NewNop())
	defer c.Close()
	return fn(ctx, c)
}

// parseIdentity parses the <database_id> <table_id> arguments
func parseIdentity(args []string) (model.TableIdentity, error) {
	db, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return model.TableIdentity{}, fmt.Errorf("invalid database id %q: %w", args[0], err)
	}
	table, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return model.TableIdentity{}, fmt.Errorf("invalid table id %q: %w", args[1], err)
	}
	return model.TableIdentity{DatabaseID: uint32(db), TableID: uint32(table)}, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
