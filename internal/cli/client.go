package cli

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/harmonic/internal/client"
	"github.com/roach88/harmonic/internal/harmonic"
	"github.com/roach88/harmonic/internal/replica"
	"github.com/roach88/harmonic/internal/writequeue"
)

// NewClientCommand creates the client subcommand: a small demo client that
// syncs one table and optionally submits a write, useful for poking at a
// running server from a terminal.
func NewClientCommand(opts *RootOptions) *cobra.Command {
	var (
		serverURL string
		scopeKey  string
		dbPath    string
		table     string
		keyField  string
		action    string
		create    string
		watch     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run a demo sync client against a server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			changed := make(chan string, 16)

			c, err := client.Open(client.Config{
				ServerURL: serverURL,
				ScopeKey:  scopeKey,
				DBPath:    dbPath,
				Schema: replica.Schema{
					Version: 1,
					Tables:  []replica.TableSchema{{Name: table, KeyField: keyField}},
				},
				Actions: []writequeue.ActionSpec{{Name: action, OfflineCapable: true}},
			}, client.Callbacks{
				OnChange: func(table string) {
					select {
					case changed <- table:
					default:
					}
				},
				OnConnState: func(connected bool) {
					fmt.Fprintf(out, "feed connected: %v\n", connected)
				},
				OnWriteRejected: func(table, recordID, requestID string, cause error) {
					fmt.Fprintf(out, "write %s rejected: %v\n", requestID, cause)
				},
			})
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Start(ctx); err != nil {
				return err
			}

			if create != "" {
				recordID := harmonic.NewULIDGenerator().Generate()
				requestID, err := c.Submit(ctx, action, table, recordID, harmonic.OpCreate,
					harmonic.Row{"title": create})
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "submitted %s as %s\n", recordID, requestID)
			}

			printTable := func() error {
				rows, err := c.Read(ctx, table)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s: %d rows\n", table, len(rows))
				for _, row := range rows {
					fmt.Fprintf(out, "  %s  %v\n", row.RecordID, row.Row)
				}
				return nil
			}
			if err := printTable(); err != nil {
				return err
			}

			if watch <= 0 {
				return nil
			}
			fmt.Fprintf(out, "watching for %s\n", watch)
			deadline := time.After(watch)
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-deadline:
					return nil
				case <-changed:
					if err := printTable(); err != nil {
						return err
					}
				}
			}
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "sync server URL")
	cmd.Flags().StringVar(&scopeKey, "scope", "", "scope key")
	cmd.Flags().StringVar(&dbPath, "db", "harmonic-client.db", "local replica file")
	cmd.Flags().StringVar(&table, "table", "tasks", "table to sync")
	cmd.Flags().StringVar(&keyField, "key-field", "id", "table key field")
	cmd.Flags().StringVar(&action, "action", "upsert_task", "write action name")
	cmd.Flags().StringVar(&create, "create", "", "submit a create with this title")
	cmd.Flags().DurationVar(&watch, "watch", 0, "keep watching for changes this long")
	return cmd
}
