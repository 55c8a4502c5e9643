package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"refuge/internal/modules/matching"
	"refuge/internal/modules/simulation"
	"refuge/internal/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one simulation",
	Long:  "Runs a simulation from flags or a --scenario YAML file and prints its statistics.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		req, err := requestFromFlags(cmd)
		if err != nil {
			return err
		}
		svc := simulation.NewService(matching.NewEngine(cfg.Matching.Engine()))
		report, err := svc.Run(ctx, req)
		if err != nil {
			return eris.Wrap(err, "run simulation")
		}

		if path, _ := cmd.Flags().GetString("archive"); path != "" {
			archive, err := simulation.OpenArchive(ctx, path)
			if err != nil {
				return err
			}
			defer archive.Close() //nolint:errcheck
			if err := archive.Save(ctx, report); err != nil {
				return err
			}
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		formatReport(os.Stdout, report)
		return nil
	},
}

func init() {
	f := runCmd.Flags()
	f.String("scenario", "", "YAML scenario file; other input flags are ignored when set")
	f.Int("population", 10_000, "synthetic population size")
	f.Int("shelters", 200, "synthetic shelter count")
	f.Float64("lat", 25.0330, "center latitude")
	f.Float64("lng", 121.5654, "center longitude")
	f.Float64("radius", simulation.DefaultRadiusKm, "disc radius in km")
	f.Int("min-capacity", simulation.DefaultMinCapacity, "minimum shelter capacity")
	f.Int("max-capacity", simulation.DefaultMaxCapacity, "maximum shelter capacity")
	f.Uint64("seed", 0, "random seed (0 picks one)")
	f.Bool("no-priority", false, "disable age-based priority")
	f.Int("elderly-age", 0, "elderly threshold (default from config)")
	f.Int("child-age", 0, "child threshold (default from config)")
	f.String("archive", "", "sqlite file to record the run in")
	f.Bool("json", false, "print the full report as JSON")
}

func requestFromFlags(cmd *cobra.Command) (simulation.Request, error) {
	f := cmd.Flags()
	if path, _ := f.GetString("scenario"); path != "" {
		return simulation.LoadScenario(path)
	}

	population, _ := f.GetInt("population")
	shelters, _ := f.GetInt("shelters")
	lat, _ := f.GetFloat64("lat")
	lng, _ := f.GetFloat64("lng")
	radius, _ := f.GetFloat64("radius")
	minCap, _ := f.GetInt("min-capacity")
	maxCap, _ := f.GetInt("max-capacity")
	seed, _ := f.GetUint64("seed")
	noPriority, _ := f.GetBool("no-priority")
	elderly, _ := f.GetInt("elderly-age")
	child, _ := f.GetInt("child-age")

	if elderly == 0 {
		elderly = cfg.Matching.ElderlyAge
	}
	if child == 0 {
		child = cfg.Matching.ChildAge
	}
	priority := cfg.Matching.PriorityEnabled && !noPriority

	return simulation.Request{
		GeneratePeople:   true,
		Population:       population,
		GenerateShelters: true,
		ShelterCount:     shelters,
		Center:           types.Point{Lat: lat, Lng: lng},
		RadiusKm:         radius,
		MinCapacity:      minCap,
		MaxCapacity:      maxCap,
		PriorityEnabled:  &priority,
		ElderlyAge:       elderly,
		ChildAge:         child,
		Seed:             seed,
	}, nil
}

func formatReport(w io.Writer, r simulation.Report) {
	st := r.Stats
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Run\t%s\n", r.ID)
	fmt.Fprintf(tw, "Seed\t%d\n", r.Seed)
	fmt.Fprintf(tw, "People\t%d\n", r.People)
	fmt.Fprintf(tw, "Shelters\t%d (capacity %d)\n", r.Shelters, st.TotalCapacity)
	fmt.Fprintf(tw, "Assigned\t%d\n", st.Assigned)
	fmt.Fprintf(tw, "Unassigned\t%d\n", st.Unassigned)
	fmt.Fprintf(tw, "Utilization\t%.1f%%\n", st.UtilizationPct)
	fmt.Fprintf(tw, "Distance km (avg/min/max)\t%.3f / %.3f / %.3f\n", st.AvgDistanceKm, st.MinDistanceKm, st.MaxDistanceKm)
	fmt.Fprintf(tw, "Total km (greedy -> optimized)\t%.2f -> %.2f\n", st.GreedyTotalKm, st.OptimizedTotalKm)
	fmt.Fprintf(tw, "Duration\t%dms\n", r.DurationMs)
	if r.DiagnosticsSkipped {
		fmt.Fprintln(tw, "Nearest-shelter report\tskipped (run too large)")
	}
	tw.Flush()

	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIER\tPEOPLE\tASSIGNED\tCOVERAGE")
	for _, t := range st.Tiers {
		coverage := 0.0
		if t.People > 0 {
			coverage = 100 * float64(t.Assigned) / float64(t.People)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.1f%%\n", t.Tier, t.People, t.Assigned, coverage)
	}
	tw.Flush()
}
