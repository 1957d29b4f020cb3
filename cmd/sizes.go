package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/projectmatch/internal/classify"
	"github.com/sells-group/projectmatch/internal/model"
)

var sizesCmd = &cobra.Command{
	Use:   "sizes",
	Short: "Print the business-size scale and the acceptable-size windows",
	RunE: func(cmd *cobra.Command, _ []string) error {
		window, _ := cmd.Flags().GetInt("window")
		if window < 0 {
			return eris.Errorf("sizes: window must be >= 0, got %d", window)
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PREFERENCE\tACCEPTABLE")
		for _, pref := range model.SizeScale {
			acceptable := classify.AcceptableSizesWithin(pref, window)
			names := make([]string, len(acceptable))
			for i, s := range acceptable {
				names[i] = string(s)
			}
			fmt.Fprintf(w, "%s\t%s\n", pref, strings.Join(names, ", "))
		}
		return w.Flush()
	},
}

func init() {
	sizesCmd.Flags().Int("window", classify.DefaultSizeWindow, "neighbours accepted on each side of the preference")
	rootCmd.AddCommand(sizesCmd)
}
