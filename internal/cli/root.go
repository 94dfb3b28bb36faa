package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/disnet/flint-note-sync/internal/cli/config"
)

// Execute builds the command tree and runs it.
func Execute(ctx context.Context, cfg *config.Config, version string) error {
	app, err := NewApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	root := &cobra.Command{
		Use:           "notesync",
		Short:         "Encrypted multi-device note sync",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	// Config flags are consumed by config.LoadConfig before cobra runs;
	// they are declared here so cobra accepts them on any command.
	root.PersistentFlags().StringP("broker", "b", "", "base URL of the credential broker")
	root.PersistentFlags().StringP("data-dir", "d", "", "data directory")
	root.PersistentFlags().StringP("interval", "i", "", "sync interval (in seconds)")
	root.PersistentFlags().StringP("config", "c", "", "path to a JSON config file")

	root.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Create a new vault on this device",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return app.cmdInit(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "join",
			Short: "Request access to an existing vault from this device",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return app.cmdJoin(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "approve <code>",
			Short: "Approve a device showing the given verification code",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.cmdApprove(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List notes",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return app.cmdList(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "add <title>",
			Short: "Create a note",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.cmdAdd(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "show <id>",
			Short: "Print a note",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.cmdShow(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "edit <id>",
			Short: "Replace a note's text",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.cmdEdit(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete a note",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.cmdDelete(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "sync",
			Short: "Run background sync until interrupted",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return app.cmdSync(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show device and vault status",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return app.cmdStatus(cmd.Context())
			},
		},
		newResolveCommand(app),
		&cobra.Command{
			Use:   "backup",
			Short: "Set or replace the vault's password backup",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return app.cmdBackup(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "revoke <device-id>",
			Short: "Revoke a device's vault access",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return app.cmdRevoke(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "rotate-key",
			Short: "Rotate the vault key and re-encrypt all notes",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return app.cmdRotateKey(cmd.Context())
			},
		},
	)

	return root.ExecuteContext(ctx)
}

func newResolveCommand(app *App) *cobra.Command {
	var keepLocal bool
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a deletion conflict on a note",
		Long: "Resolve a conflict where a note was deleted remotely while " +
			"edited here. With --keep-local the local edits win and the note " +
			"is revived everywhere; without it the remote deletion is accepted.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.cmdResolve(cmd.Context(), args[0], keepLocal)
		},
	}
	cmd.Flags().BoolVar(&keepLocal, "keep-local", false, "keep the local edits and revive the note")
	return cmd
}
