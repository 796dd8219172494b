// Command bt64dump is the companion CLI for the bt64 package: it opens
// a BT64 index (read-only, or for write when --fix is given),
// optionally checks its structural integrity, and dumps its contents.
// Exit code 0 on success, 1 on open failure.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dbisx/isx/bt64"
)

func main() {
	var check bool
	var fix bool

	root := &cobra.Command{
		Use:   "bt64dump <path>",
		Short: "Check and dump a BT64 index file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			mode := bt64.Read
			if fix {
				mode = bt64.Write
			}
			e, err := bt64.Open(path, mode)
			if err != nil {
				fmt.Fprintf(os.Stderr, "bt64dump: cannot open %s: %v\n", path, err)
				os.Exit(1)
			}
			defer e.Close()

			if check || fix {
				report, err := e.Check()
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "check: pages=%d leaves=%d nodes=%d keys=%d depth=%d free=%d\n",
					report.Pages, report.Leaves, report.Nodes, report.Keys, report.MaxDepth, report.FreePages)
				for _, p := range report.Problems {
					fmt.Fprintf(cmd.OutOrStdout(), "  PROBLEM: %s\n", p)
				}
				if fix {
					patched, ferr := e.Fix()
					if ferr != nil {
						return ferr
					}
					fmt.Fprintf(cmd.OutOrStdout(), "fix: header patched=%v\n", patched)
				}
				if !report.OK() && !fix {
					os.Exit(1)
				}
			}

			return e.Dump(cmd.OutOrStdout())
		},
	}
	root.Flags().BoolVar(&check, "check", false, "run the integrity checker before dumping")
	root.Flags().BoolVar(&fix, "fix", false, "attempt header repair when --check finds a length mismatch")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
