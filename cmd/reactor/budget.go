package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/throw-if-null/reactor/internal/api"
	"github.com/throw-if-null/reactor/internal/budget"
	"github.com/throw-if-null/reactor/internal/logging"
	"github.com/throw-if-null/reactor/internal/session"
	"github.com/throw-if-null/reactor/internal/store"
)

type budgetOutput struct {
	SessionID string            `json:"session_id"`
	State     api.BudgetState   `json:"state"`
	Entries   []api.LedgerEntry `json:"entries,omitempty"`
}

func newBudgetCmd() *cobra.Command {
	var (
		repo    string
		sess    string
		asJSON  bool
		entries int
	)
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Show spending reconstructed from the budget ledger",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, cfg, err := loadConfig(repo)
			if err != nil {
				return err
			}
			db, st, err := session.OpenStore(root)
			if err != nil {
				return err
			}
			defer db.Close()

			if sess == "" {
				sess, err = st.LatestSession()
				if err != nil && !errors.Is(err, store.ErrNotFound) {
					return err
				}
			}
			g, err := budget.Open(st, session.BudgetConfig(cfg.Budget), sess, budget.WithLogger(logging.Discard()))
			if err != nil {
				return err
			}
			out := budgetOutput{SessionID: sess, State: g.Snapshot()}
			if entries > 0 {
				if out.Entries, err = st.ListLedger(sess, entries); err != nil {
					return err
				}
			}

			w := cmd.OutOrStdout()
			if asJSON || !isTerminal(w) {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}
			return writeBudgetText(w, out)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&repo, "repo", "", "repository root (default: current directory)")
	fl.StringVar(&sess, "session", "", "session to report on (default: the latest)")
	fl.BoolVar(&asJSON, "json", false, "print as JSON")
	fl.IntVar(&entries, "entries", 0, "also list this many recent ledger entries")
	return cmd
}

func writeBudgetText(w io.Writer, out budgetOutput) error {
	st := out.State
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	id := out.SessionID
	if id == "" {
		id = "(none)"
	}
	fmt.Fprintf(tw, "Session:\t%s\n", id)
	fmt.Fprintf(tw, "Mode:\t%s\n", st.Mode)
	if st.Cap > 0 {
		fmt.Fprintf(tw, "Spent this month:\t$%.4f of $%.2f (%.0f%%)\n", st.DollarsSpent, st.Cap, 100*st.DollarsSpent/st.Cap)
	} else {
		fmt.Fprintf(tw, "Spent this month:\t$%.4f (no cap)\n", st.DollarsSpent)
	}
	if st.MaxRequests > 0 {
		fmt.Fprintf(tw, "Requests:\t%d of %d\n", st.Requests, st.MaxRequests)
	} else {
		fmt.Fprintf(tw, "Requests:\t%d\n", st.Requests)
	}
	fmt.Fprintf(tw, "Tokens:\t%d\n", st.TokensUsed)
	if len(out.Entries) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "TIME\tTASK\tIN\tOUT\tCOST\tTOTAL")
		for _, e := range out.Entries {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t$%.4f\t$%.4f\n",
				e.At.Local().Format(time.DateTime), e.TaskID, e.TokensIn, e.TokensOut, e.Cost, e.RunningTotal)
		}
	}
	return tw.Flush()
}
