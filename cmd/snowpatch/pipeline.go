package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chrissnell/snowpatch/internal/aoi"
	"github.com/chrissnell/snowpatch/internal/pipeline"
)

const dateLayout = "2006-01-02"

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Search the catalog and register new scenes",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		aoiName, _ := flags.GetString("aoi")
		startStr, _ := flags.GetString("start")
		endStr, _ := flags.GetString("end")
		winter, _ := flags.GetInt("winter")

		a, err := newApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		maxCloud := a.Config.Discovery.MaxCloudCover
		if flags.Changed("max-cloud") {
			maxCloud, _ = flags.GetFloat64("max-cloud")
		}

		start, end, err := searchWindow(startStr, endStr, winter, a.Config.Discovery.WindowDays)
		if err != nil {
			return err
		}

		ctx, cancel := commandContext()
		defer cancel()

		p, err := a.Pipeline(ctx)
		if err != nil {
			return err
		}

		names := []string{aoiName}
		if aoiName == "" {
			areas, err := a.SeedAOIs(ctx)
			if err != nil {
				return err
			}
			names = names[:0]
			for _, area := range areas {
				names = append(names, area.Name)
			}
		}

		for _, name := range names {
			res, err := p.Discover(ctx, name, start, end, maxCloud)
			if err != nil {
				return fmt.Errorf("discovering %s: %w", name, err)
			}
			fmt.Printf("%s: found %d, created %d, skipped %d", res.AOI, res.Found, res.Created, res.Skipped)
			if s := res.Summary; s.Total > 0 {
				fmt.Printf(" (%s to %s, cloud %.1f%%..%.1f%%)",
					s.Earliest.Format(dateLayout), s.Latest.Format(dateLayout), *s.MinCloudCover, *s.MaxCloudCover)
			}
			fmt.Println()
		}
		return nil
	},
}

// searchWindow resolves the date flags. A winter year wins over explicit dates; with neither,
// the window ends now.
func searchWindow(startStr, endStr string, winter, windowDays int) (time.Time, time.Time, error) {
	if winter != 0 {
		start, end := aoi.WinterDateRange(winter)
		return start, end, nil
	}

	end := time.Now().UTC()
	if endStr != "" {
		t, err := time.Parse(dateLayout, endStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --end: %w", err)
		}
		end = t.Add(24*time.Hour - time.Second)
	}
	start := end.AddDate(0, 0, -windowDays)
	if startStr != "" {
		t, err := time.Parse(dateLayout, startStr)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid --start: %w", err)
		}
		start = t
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("start %s is not before end %s", start.Format(dateLayout), end.Format(dateLayout))
	}
	return start, end, nil
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download pending scenes",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		limit, _ := flags.GetInt("limit")
		maxRetries, _ := flags.GetInt("max-retries")
		sceneID, _ := flags.GetUint("scene")

		a, err := newApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()
		if !flags.Changed("limit") {
			limit = a.Config.Processing.Limit
		}

		ctx, cancel := commandContext()
		defer cancel()

		if sceneID != 0 {
			dl, err := a.Downloader(ctx)
			if err != nil {
				return err
			}
			res, err := dl.DownloadScene(ctx, sceneID)
			if err != nil {
				return err
			}
			fmt.Printf("%s -> %s (%.2f MB, skipped=%t)\n", res.ProductID, res.Path, res.SizeMB, res.Skipped)
			return nil
		}

		p, err := a.Pipeline(ctx)
		if err != nil {
			return err
		}
		res, err := p.DownloadPending(ctx, limit, maxRetries)
		printBatch("download", res)
		return err
	},
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Classify downloaded scenes",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		limit, _ := flags.GetInt("limit")
		noSave, _ := flags.GetBool("no-save")
		aoiName, _ := flags.GetString("aoi")
		sceneID, _ := flags.GetUint("scene")

		a, err := newApp(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer a.Close()

		threshold := a.Config.Processing.NDSIThreshold
		if flags.Changed("threshold") {
			threshold, _ = flags.GetFloat64("threshold")
		}
		if !flags.Changed("limit") {
			limit = a.Config.Processing.Limit
		}
		saveMask := a.Config.Processing.SaveMask && !noSave

		ctx, cancel := commandContext()
		defer cancel()

		if sceneID != 0 {
			proc, err := a.Processor(ctx)
			if err != nil {
				return err
			}
			res, err := proc.ProcessScene(ctx, sceneID, threshold, saveMask)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %.2f%% snow (%d/%d pixels) %s\n", res.ProductID, res.SnowPct, res.SnowPixels, res.TotalPixels, res.MaskPath)
			return nil
		}

		p, err := a.Pipeline(ctx)
		if err != nil {
			return err
		}
		if aoiName != "" {
			res, err := p.ProcessAOI(ctx, aoiName, threshold, saveMask)
			if res != nil {
				fmt.Printf("%s: processed %d, failed %d, average snow %.2f%%\n", res.AOI, res.Processed, res.Failed, res.AvgSnowPct)
			}
			return err
		}

		res, err := p.ProcessDownloaded(ctx, threshold, saveMask, limit)
		printBatch("process", res)
		return err
	},
}

func printBatch(kind string, res *pipeline.BatchResult) {
	if res == nil {
		return
	}
	fmt.Printf("%s run %s: success %d, failed %d, skipped %d\n", kind, res.RunID, res.Success, res.Failed, res.Skipped)
}

func init() {
	discoverCmd.Flags().String("aoi", "", "AOI name (all configured AOIs when empty)")
	discoverCmd.Flags().String("start", "", "first acquisition date, YYYY-MM-DD")
	discoverCmd.Flags().String("end", "", "last acquisition date, YYYY-MM-DD")
	discoverCmd.Flags().Int("winter", 0, "search the winter ending in this year (Dec 1 to end of Feb)")
	discoverCmd.Flags().Float64("max-cloud", 0, "maximum cloud cover percentage")

	downloadCmd.Flags().Int("limit", 0, "download at most this many scenes")
	downloadCmd.Flags().Int("max-retries", 0, "retry ceiling recorded with the run; rows are not filtered by it")
	downloadCmd.Flags().Uint("scene", 0, "download only this scene id")

	processCmd.Flags().Float64("threshold", 0, "NDSI threshold")
	processCmd.Flags().Bool("no-save", false, "do not write mask rasters")
	processCmd.Flags().Int("limit", 0, "process at most this many scenes")
	processCmd.Flags().String("aoi", "", "process only the downloaded scenes of this AOI")
	processCmd.Flags().Uint("scene", 0, "process only this scene id")
}
