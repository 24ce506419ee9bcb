package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/blacktop/xpostd/internal/app"
	"github.com/blacktop/xpostd/internal/xpost"
	"github.com/spf13/cobra"
)

func newPlatformsCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "platforms",
		Short: "List destinations and whether credentials are configured",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, err := app.New(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer svc.Close()

			ready := map[xpost.Destination]bool{}
			for _, d := range svc.Configured() {
				ready[d] = true
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(svc.Platforms())
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME\tTEXT\tMEDIA\tSCHEDULE\tREADY")
			for _, p := range svc.Platforms() {
				kinds := make([]string, len(p.MediaKinds))
				for i, k := range p.MediaKinds {
					kinds[i] = string(k)
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s %d-%d\t%t\t%t\n",
					p.ID, p.Name, p.MaxTextLength, strings.Join(kinds, ","), p.MinMedia, p.MaxMedia, p.Scheduling, ready[p.ID])
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print capability profiles as JSON")
	return cmd
}
