package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bodul/planchette/internal/config"
	"github.com/bodul/planchette/internal/logging"
)

var (
	// Global flags
	cfgPath string
	verbose bool

	cfg    *config.Config
	logger *zap.Logger
)

// boardLogFile keeps the board's log out of the terminal it draws on.
const boardLogFile = "planchette.log"

var rootCmd = &cobra.Command{
	Use:   "planchette",
	Short: "A talking board that spells out a language model's answers",
	Long: `planchette moves a pointer across a talking board, letter by letter,
as the spirit's answer streams in.

  planchette serve   run the answer server
  planchette board   sit at the board in your terminal
  planchette ask     ask without the board and print the answers`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config %s: %w", cfgPath, err)
		}

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		file := cfg.Logging.File
		if cmd.Name() == "board" && file == "" {
			file = boardLogFile
		}
		logger, err = logging.New(level, cfg.Development(), file)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", config.DefaultPath, "Config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(boardCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
