package main

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Abandon records idle past the inactivity timeout",
	RunE: func(cmd *cobra.Command, _ []string) error {
		env, err := initEnv(cmd.Context(), "sweep")
		if err != nil {
			return err
		}
		defer env.Close()

		abandoned, err := env.Engine.SweepInactive(cmd.Context(), time.Now())
		if err != nil {
			return eris.Wrap(err, "sweep")
		}

		out := cmd.OutOrStdout()
		for _, id := range abandoned {
			fmt.Fprintln(out, id)
		}
		fmt.Fprintf(out, "%d records abandoned\n", len(abandoned))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
