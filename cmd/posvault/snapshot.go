package main

import (
	"fmt"
	"io"
	"os"

	"posvault/internal/app"
	"posvault/internal/model"

	"github.com/spf13/cobra"
)

// record command
var recordCmd = &cobra.Command{
	Use:   "record ACTION TABLE [LOCAL_ID]",
	Short: "Apply and log one write to a tracked table",
	Long: "Apply and log one write to a tracked table.\n\n" +
		"ACTION is CREATE, UPDATE, DELETE or one of the BATCH_ variants. Row JSON comes\n" +
		"from --data, or from stdin when --data is \"-\". Batch actions take a JSON array\n" +
		"of rows and no LOCAL_ID.",
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, _ := cmd.Flags().GetString("data")
		payload := []byte(data)
		if data == "-" {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("reading row from stdin: %w", err)
			}
			payload = b
		}
		var localID string
		if len(args) == 3 {
			localID = args[2]
		}

		a, err := newApp(cmd, "Record", args...)
		if err != nil {
			return err
		}
		defer a.Close()

		entry, err := a.Record(cmd.Context(), args[0], args[1], localID, payload)
		if err != nil {
			return fmt.Errorf("record failed: %w", err)
		}
		fmt.Printf("#%d  %s %s %s  %s\n", entry.Sequence, entry.Action, entry.Table, entry.EntityID, entry.Status)
		return nil
	},
}

// backup command
var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create a snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		parent, _ := cmd.Flags().GetString("parent")
		incremental, _ := cmd.Flags().GetBool("incremental")
		differential, _ := cmd.Flags().GetBool("differential")

		a, err := newApp(cmd, "Backup", name)
		if err != nil {
			return err
		}
		defer a.Close()

		meta, err := a.Backup(cmd.Context(), app.BackupRequest{
			Name:         name,
			Parent:       parent,
			Incremental:  incremental,
			Differential: differential,
		})
		if err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
		printSnapshot(meta)
		return nil
	},
}

// snapshot command
var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage snapshots",
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "ListSnapshots")
		if err != nil {
			return err
		}
		defer a.Close()

		snaps, err := a.Snapshots(cmd.Context())
		if err != nil {
			return err
		}
		if len(snaps) == 0 {
			fmt.Println("No snapshots.")
			return nil
		}
		for _, s := range snaps {
			printSnapshot(s)
		}
		return nil
	},
}

var snapshotVerifyCmd = &cobra.Command{
	Use:   "verify UUID",
	Short: "Recompute a snapshot's checksum",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "VerifySnapshot", args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		ok, err := a.VerifySnapshot(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("snapshot %s failed verification", args[0])
		}
		fmt.Printf("Snapshot %s verified.\n", args[0])
		return nil
	},
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "delete UUID",
	Short: "Delete a snapshot no other snapshot depends on",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "DeleteSnapshot", args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.DeleteSnapshot(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Snapshot %s deleted.\n", args[0])
		return nil
	},
}

// restore command
var restoreCmd = &cobra.Command{
	Use:   "restore UUID",
	Short: "Replace all tables and assets with a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Restore", args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		wf, err := a.Restore(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("restore failed: %w", err)
		}
		fmt.Printf("Restored snapshot %s (workflow #%d).\n", args[0], wf.ID)
		return nil
	},
}

// replay command
var replayCmd = &cobra.Command{
	Use:   "replay UUID",
	Short: "Apply a snapshot's action log to the current tables",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Replay", args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		wf, res, err := a.Replay(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("replay failed: %w", err)
		}
		fmt.Printf("Replayed snapshot %s (workflow #%d)", args[0], wf.ID)
		if res != nil {
			fmt.Printf(": %d applied, %d skipped, %d failed", res.Applied, res.Skipped, res.Failed)
		}
		fmt.Println()
		return nil
	},
}

// migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate UUID",
	Short: "Store a copy of a snapshot upgraded to the current schema",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")

		a, err := newApp(cmd, "Migrate", args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		meta, err := a.Migrate(cmd.Context(), args[0], name)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		printSnapshot(meta)
		return nil
	},
}

// import command
var importCmd = &cobra.Command{
	Use:   "import NAME",
	Short: "Fetch a snapshot artifact from the vaults",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd, "Import", args[0])
		if err != nil {
			return err
		}
		defer a.Close()

		var passphrase string
		if a.NeedsPassphrase() {
			if passphrase, err = readPassphrase("Passphrase: ", false); err != nil {
				return err
			}
		}
		meta, err := a.Import(cmd.Context(), args[0], passphrase)
		if err != nil {
			return fmt.Errorf("import failed: %w", err)
		}
		printSnapshot(meta)
		return nil
	},
}

func printSnapshot(s *model.SnapshotMetadata) {
	state := "complete"
	if !s.IsComplete || !s.IsVerified {
		state = "incomplete"
	}
	parent := ""
	if s.ParentSnapshotUUID != "" {
		parent = "  parent:" + s.ParentSnapshotUUID
	}
	fmt.Printf("%s  %-12s  v%d  %s  %-10s  %s  %q%s\n",
		s.UUID,
		s.SnapshotType,
		s.SchemaVersion,
		s.Timestamp.Local().Format(timeLayout),
		state,
		s.Checksum[:min(12, len(s.Checksum))],
		s.Name,
		parent,
	)
}

func init() {
	rootCmd.AddCommand(recordCmd)
	recordCmd.Flags().StringP("data", "d", "", "Row JSON, or - to read it from stdin")

	rootCmd.AddCommand(backupCmd)
	backupCmd.Flags().String("name", "", "Snapshot name (default: a timestamp)")
	backupCmd.Flags().String("parent", "", "Parent snapshot UUID for an incremental snapshot")
	backupCmd.Flags().BoolP("incremental", "i", false, "Capture only the log since the parent (default parent: latest snapshot)")
	backupCmd.Flags().Bool("differential", false, "Capture the log since the parent's nearest full snapshot")

	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotVerifyCmd)
	snapshotCmd.AddCommand(snapshotDeleteCmd)
	rootCmd.AddCommand(snapshotCmd)

	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(replayCmd)
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().String("name", "", "Name of the migrated snapshot")
	rootCmd.AddCommand(importCmd)
}
