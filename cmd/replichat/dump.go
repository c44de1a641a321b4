package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/replichat/replichat/internal/store"
)

func newDumpCommand() *cobra.Command {
	var dbFile string

	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the contents of a replica's local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDump(dbFile)
		},
	}

	cmd.Flags().StringVar(&dbFile, "db", "", "path to the replica store file")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runDump(dbFile string) error {
	s, err := store.Open(dbFile)
	if err != nil {
		return err
	}
	defer s.Close()

	snap, err := s.Snapshot()
	if err != nil {
		return err
	}

	fmt.Printf("Accounts (%d):\n", len(snap.Accounts))
	for _, a := range snap.Accounts {
		fmt.Printf("  %s  %s\n", a.Username, a.Password)
	}

	fmt.Printf("\nMessages (%d):\n", len(snap.Messages))
	for _, m := range snap.Messages {
		read := 0
		if m.Read {
			read = 1
		}
		fmt.Printf("  [%d] %s -> %s  read=%d  %s  %q\n",
			m.ID, m.Sender, m.Recipient, read, m.Timestamp, m.Content)
	}

	return nil
}
