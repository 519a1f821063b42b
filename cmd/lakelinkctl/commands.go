package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/devrev/lakelink/internal/client"
	"github.com/devrev/lakelink/internal/model"
)

func newCreateTableCmd(opts *cliOptions) *cobra.Command {
	var destination, sourceTable, sourceURI string

	cmd := &cobra.Command{
		Use:   "create-table <database_id> <table_id>",
		Short: "Create a lake table",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIdentity(args)
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, c *client.LakeClient) error {
				if err := c.CreateTable(ctx, id, destination, sourceTable, sourceURI); err != nil {
					return err
				}
				return printDone(opts, "created", id)
			})
		},
	}
	cmd.Flags().StringVar(&destination, "destination", "", "Connection URI of the database that owns the table")
	cmd.Flags().StringVar(&sourceTable, "source-table", "", "Qualified name of the source table")
	cmd.Flags().StringVar(&sourceURI, "source-uri", "", "Connection URI of the source database (defaults to --destination)")
	cmd.MarkFlagRequired("source-table")
	return cmd
}

func newDropTableCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drop-table <database_id> <table_id>",
		Short: "Drop a lake table and its data",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIdentity(args)
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, c *client.LakeClient) error {
				if err := c.DropTable(ctx, id); err != nil {
					return err
				}
				return printDone(opts, "dropped", id)
			})
		},
	}
}

func newSnapshotCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot <database_id> <table_id> <lsn>",
		Short: "Publish the table state as of an LSN",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIdentity(args)
			if err != nil {
				return err
			}
			lsn, err := strconv.ParseUint(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid lsn %q: %w", args[2], err)
			}
			return withClient(cmd, opts, func(ctx context.Context, c *client.LakeClient) error {
				if err := c.CreateSnapshot(ctx, id, lsn); err != nil {
					return err
				}
				return printDone(opts, "snapshot", id)
			})
		},
	}
}

func newScanCmd(opts *cliOptions) *cobra.Command {
	var lsn uint64

	cmd := &cobra.Command{
		Use:   "scan <database_id> <table_id>",
		Short: "Print the files visible to a scan",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIdentity(args)
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, c *client.LakeClient) error {
				data, err := c.ScanTableBegin(ctx, id, lsn)
				if err != nil {
					return err
				}
				defer c.ScanTableEnd(ctx, id)

				var state model.ScanState
				if err := json.Unmarshal(data, &state); err != nil {
					return fmt.Errorf("invalid scan state: %w", err)
				}
				if opts.output == "json" {
					return printJSON(opts.out, state)
				}

				fmt.Fprintf(opts.out, "location: %s\nversion: %d\n", state.Location, state.Version)
				w := tabwriter.NewWriter(opts.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "PATH\tSIZE\tRECORDS")
				for _, f := range state.Files {
					records := "-"
					if f.NumRecords != nil {
						records = strconv.FormatInt(*f.NumRecords, 10)
					}
					fmt.Fprintf(w, "%s\t%d\t%s\n", f.Path, f.Size, records)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().Uint64Var(&lsn, "lsn", 0, "LSN the scan must observe")
	return cmd
}

func newListCmd(opts *cliOptions) *cobra.Command {
	var databaseID uint32

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List lake tables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, opts, func(ctx context.Context, c *client.LakeClient) error {
				tables, err := c.ListTables(ctx, databaseID)
				if err != nil {
					return err
				}
				if opts.output == "json" {
					return printJSON(opts.out, tables)
				}

				w := tabwriter.NewWriter(opts.out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "TABLE\tNAME\tROWS\tCOMMIT_LSN\tFLUSH_LSN\tLOCATION")
				for _, t := range tables {
					flush := "-"
					if t.FlushLSN != nil {
						flush = strconv.FormatUint(*t.FlushLSN, 10)
					}
					fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
						t.Identity, t.Name, t.Cardinality, t.CommitLSN, flush, t.StorageLocation)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().Uint32Var(&databaseID, "database", 0, "Only list tables of this database")
	return cmd
}

func newLoadCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "load <database_id> <table_id> <file>...",
		Short: "Append existing data files to a table",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIdentity(args)
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, c *client.LakeClient) error {
				if err := c.LoadFiles(ctx, id, args[2:]); err != nil {
					return err
				}
				return printDone(opts, "loaded", id)
			})
		},
	}
}

func newOptimizeCmd(opts *cliOptions) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "optimize <database_id> <table_id>",
		Short: "Run table maintenance",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseIdentity(args)
			if err != nil {
				return err
			}
			return withClient(cmd, opts, func(ctx context.Context, c *client.LakeClient) error {
				if err := c.OptimizeTable(ctx, id, mode); err != nil {
					return err
				}
				return printDone(opts, "optimized", id)
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(model.OptimizeModeFull), "Optimize mode (data, index, full)")
	return cmd
}

func newVersionCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.output == "json" {
				return printJSON(opts.out, map[string]string{"version": version})
			}
			_, err := fmt.Fprintf(opts.out, "lakelinkctl version %s\n", version)
			return err
		},
	}
}

func printDone(opts *cliOptions, status string, id model.TableIdentity) error {
	if opts.output == "json" {
		return printJSON(opts.out, map[string]interface{}{
			"status":      status,
			"database_id": id.DatabaseID,
			"table_id":    id.TableID,
		})
	}
	_, err := fmt.Fprintf(opts.out, "%s %s\n", status, id)
	return err
}
