package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/projectmatch/internal/identity"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <observations.json>",
	Short: "Resolve a file of discovery observations into provider identities",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return eris.Wrapf(err, "ingest: read %s", args[0])
		}
		var batch []identity.Observation
		if err := json.Unmarshal(raw, &batch); err != nil {
			return eris.Wrapf(err, "ingest: parse %s", args[0])
		}

		env, err := initEnv(cmd.Context(), "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Resolver.IngestBatch(cmd.Context(), batch)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "created=%d merged=%d duplicates=%d unresolvable=%d\n",
			res.Created, res.Merged, res.Duplicates, res.Unresolvable)

		if list, _ := cmd.Flags().GetBool("list"); list {
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KEY\tNAME\tSIZE\tTIER\tSOURCES\tOBSERVATIONS")
			for _, id := range env.Resolver.All() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\n",
					id.Key, id.DisplayName, id.Size, id.Tier, len(id.Sources), len(id.Observations))
			}
			return w.Flush()
		}
		return nil
	},
}

func init() {
	ingestCmd.Flags().Bool("list", false, "print every resolved identity")
	rootCmd.AddCommand(ingestCmd)
}
