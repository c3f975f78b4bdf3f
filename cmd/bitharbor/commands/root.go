package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hupe1980/bitharbor/config"
)

var (
	// Global flags
	cfgFile    string
	dataDir    string
	logLevel   string
	outputJSON bool

	globalConfig config.Config
)

var rootCmd = &cobra.Command{
	Use:   "bitharbor",
	Short: "Media ingest and semantic search",
	Long: `bitharbor stores media content-addressed, embeds every item once and
answers semantic queries over the embeddings.

Examples:
  # Ingest a movie with metadata
  bitharbor ingest --type movie --meta title=Heat --meta year=1995 heat.mkv

  # Ingest acquisition bundles
  bitharbor ingest downloads/*.json

  # Search
  bitharbor search -k 5 --type movie "bank heist in los angeles"
`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
}

// Execute runs the root command. An interrupt cancels the running command;
// ingests in flight roll back.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output as JSON")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(verifyCmd)
}

func initConfig(cmd *cobra.Command, _ []string) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	globalConfig = cfg
	return nil
}

func openHarbor(ctx context.Context) (*config.Instance, error) {
	return globalConfig.Open(ctx)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func stdout(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(stdout(cmd), format, args...)
}
