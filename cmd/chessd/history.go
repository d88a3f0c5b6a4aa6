package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dcrodman/chessd/internal/history"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Prints the results of finished games",
	RunE:  HistoryCommand,
}

var (
	LimitFlag  int
	PlayerFlag string
)

func HistoryCommand(cmd *cobra.Command, args []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := history.Open(config)
	if err != nil {
		return err
	} else if db == nil {
		return errors.New("match history is disabled (database engine is none)")
	}
	defer history.Close(db)

	var records []history.Record
	if PlayerFlag != "" {
		records, err = history.FindRecordsByPlayer(db, PlayerFlag)
	} else {
		records, err = history.FindRecentRecords(db, LimitFlag)
	}
	if err != nil {
		return fmt.Errorf("error finding results: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "GAME\tENDED\tWHITE\tBLACK\tREASON\tRESULT")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.GameID, r.EndedAt.Format("2006-01-02 15:04:05"), r.White, r.Black, r.Reason, r.Result)
	}
	return w.Flush()
}
