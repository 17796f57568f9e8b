package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/chrissnell/snowpatch/internal/pipeline"
)

var trendsCmd = &cobra.Command{
	Use:   "trends",
	Short: "Show snow cover over time",
	RunE: func(cmd *cobra.Command, args []string) error {
		aoiName, _ := cmd.Flags().GetString("aoi")
		asJSON, _ := cmd.Flags().GetBool("json")
		kernel, _ := cmd.Flags().GetInt("smooth")

		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.Pipeline(cmd.Context())
		if err != nil {
			return err
		}
		rows, err := p.Trends(cmd.Context(), aoiName)
		if err != nil {
			return err
		}
		if err := pipeline.SmoothTrends(rows, kernel); err != nil {
			return err
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{"trends": rows, "summary": pipeline.SummarizeTrends(rows)})
		}
		if len(rows) == 0 {
			fmt.Println("No classified scenes.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "DATE\tAOI\tNDSI\tSNOW %\tSMOOTHED %\tSNOW PX\tTOTAL PX\tCLOUD %")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%.1f\t%.2f\t%.2f\t%d\t%d\t%.1f\n",
				r.AcquisitionDt.Format(dateLayout), r.AOIName, r.NDSIThreshold, r.SnowPct, r.SmoothedPct, r.SnowPixels, r.TotalPixels, r.CloudCover)
		}
		w.Flush()

		fmt.Println()
		for _, s := range pipeline.SummarizeTrends(rows) {
			fmt.Printf("%s @ %.1f: %d scenes, mean %.2f%%, range %.2f%%..%.2f%%\n",
				s.AOI, s.Threshold, s.Scenes, s.MeanPct, s.MinPct, s.MaxPct)
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Count scenes by lifecycle state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.Pipeline(cmd.Context())
		if err != nil {
			return err
		}
		counts, err := p.StatusCounts(cmd.Context())
		if err != nil {
			return err
		}
		if len(counts) == 0 {
			fmt.Println("No scenes registered.")
			return nil
		}
		for _, c := range counts {
			fmt.Printf("%-12s %d\n", c.Status, c.Count)
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the reporting API",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()
		return a.Serve(cmd.Context())
	},
}

func init() {
	trendsCmd.Flags().String("aoi", "", "limit to one AOI")
	trendsCmd.Flags().Bool("json", false, "print JSON")
	trendsCmd.Flags().Int("smooth", pipeline.DefaultSmoothingKernel, "median window over each series, in scenes (1 disables)")
}
