package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"beehive-anomaly-service/internal/models"
	"beehive-anomaly-service/internal/simulator"
)

var (
	serviceURL string
	hiveID     string
	verbose    bool

	eventsFile string
	rps        float64
	burst      int
	count      int
	interval   time.Duration
	anomalyAt  int
	seed       uint64
	detectTo   time.Duration
)

// rootCmd базовая команда симулятора датчиков
var rootCmd = &cobra.Command{
	Use:   "beehive-simulator",
	Short: "IoT beehive weight sensor simulator",
	Long: `Publishes beehive weight events to the anomaly service and triggers
detection over a hive's stored history.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		if verbose {
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		}
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish events over websocket",
	Long: `Publishes events read from a JSON/YAML file or generated synthetically.

Example usage:
  beehive-simulator publish --hive hive-1                        # generated week of data
  beehive-simulator publish --hive hive-1 --file events.json     # sample file
  beehive-simulator publish --hive hive-1 --rps 50 --count 1000`,
	RunE: runPublish,
}

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Run detection over a hive's stored events",
	RunE:  runDetect,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serviceURL, "url", "http://localhost:8080", "Anomaly service base URL")
	rootCmd.PersistentFlags().StringVar(&hiveID, "hive", "hive-1", "Hive identifier")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Debug logging")

	publishCmd.Flags().StringVar(&eventsFile, "file", "", "JSON or YAML events file; generated when empty")
	publishCmd.Flags().Float64Var(&rps, "rps", 100, "Events per second, 0 for unlimited")
	publishCmd.Flags().IntVar(&burst, "burst", 1, "Rate limiter burst")
	publishCmd.Flags().IntVar(&count, "count", 7*96, "Number of generated events")
	publishCmd.Flags().DurationVar(&interval, "interval", 15*time.Minute, "Time between generated events")
	publishCmd.Flags().IntVar(&anomalyAt, "anomaly-at", 5*96, "Index of the injected anomaly, -1 to disable")
	publishCmd.Flags().Uint64Var(&seed, "seed", 1, "Generator seed")

	detectCmd.Flags().DurationVar(&detectTo, "timeout", 5*time.Minute, "Detection request timeout")

	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(detectCmd)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func loadOrGenerate() ([]models.HiveEvent, error) {
	if eventsFile != "" {
		return simulator.LoadEvents(eventsFile, hiveID)
	}
	cfg := simulator.DefaultGeneratorConfig(hiveID)
	cfg.Count = count
	cfg.Interval = interval
	cfg.AnomalyAt = anomalyAt
	cfg.Seed = seed
	return simulator.Generate(cfg)
}

func runPublish(cmd *cobra.Command, args []string) error {
	events, err := loadOrGenerate()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	log.Info().Str("hive_id", hiveID).Int("events", len(events)).Float64("rps", rps).Msg("publishing events")

	start := time.Now()
	summary, err := simulator.NewPublisher(serviceURL, rps, burst).Publish(ctx, events)
	log.Info().
		Int("sent", summary.Sent).
		Int("accepted", summary.Accepted).
		Int("duplicates", summary.Duplicates).
		Int("rejected", summary.Rejected).
		Dur("elapsed", time.Since(start)).
		Msg("publishing finished")
	return err
}

func runDetect(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, detectTo)
	defer cancelTimeout()

	resp, err := simulator.NewPublisher(serviceURL, 0, 1).Detect(ctx, hiveID)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
