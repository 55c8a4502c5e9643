// README: Allocation API load runner; checks backing services, exercises the API and reports latency percentiles.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type Config struct {
	BaseURL     string
	AlertID     string
	DSN         string
	RedisAddr   string
	Lat         float64
	Lng         float64
	SpreadKm    float64
	Strict      bool
	Timeout     time.Duration
	Concurrency int
	Duration    time.Duration
}

var rootCmd = &cobra.Command{
	Use:   "bench",
	Short: "Exercise a running refuge API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout)
		defer cancel()

		results := NewRunner(cfg).RunAll(ctx)

		fmt.Println("\n== Summary ==")
		pass, fail, pending, skipped := 0, 0, 0, 0
		for _, r := range results {
			switch r.Status {
			case "PASS":
				pass++
			case "FAIL":
				fail++
			case "PENDING":
				pending++
			case "SKIP":
				skipped++
			}
		}
		fmt.Printf("PASS=%d FAIL=%d PENDING=%d SKIP=%d\n", pass, fail, pending, skipped)

		if fail > 0 || (cfg.Strict && pending > 0) {
			return eris.Errorf("%d failed, %d pending", fail, pending)
		}
		return nil
	},
	SilenceUsage: true,
}

func init() {
	f := rootCmd.Flags()
	f.String("base-url", "http://localhost:8080", "API base URL")
	f.String("alert-id", "bench", "active alert id to allocate under")
	f.String("dsn", "", "Postgres DSN (empty skips the DB checks)")
	f.String("redis", "", "Redis address (empty skips the Redis check)")
	f.Float64("lat", 25.0330, "center latitude of generated requests")
	f.Float64("lng", 121.5654, "center longitude of generated requests")
	f.Float64("spread-km", 1.0, "requests are spread over a square of this half-width")
	f.Bool("strict", false, "fail on pending checks")
	f.Duration("timeout", 2*time.Minute, "total timeout")
	f.Int("concurrency", 50, "concurrent callers for load checks")
	f.Duration("duration", 10*time.Second, "duration of load checks")
}

// loadConfig merges flags with REFUGE_BENCH_* environment variables.
func loadConfig(cmd *cobra.Command) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("REFUGE_BENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return Config{}, err
	}

	cfg := Config{
		BaseURL:     strings.TrimRight(v.GetString("base-url"), "/"),
		AlertID:     v.GetString("alert-id"),
		DSN:         v.GetString("dsn"),
		RedisAddr:   v.GetString("redis"),
		Lat:         v.GetFloat64("lat"),
		Lng:         v.GetFloat64("lng"),
		SpreadKm:    v.GetFloat64("spread-km"),
		Strict:      v.GetBool("strict"),
		Timeout:     v.GetDuration("timeout"),
		Concurrency: v.GetInt("concurrency"),
		Duration:    v.GetDuration("duration"),
	}
	if cfg.Concurrency <= 0 {
		return Config{}, eris.New("concurrency must be positive")
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
