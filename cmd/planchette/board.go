package main

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bodul/planchette/internal/session"
	"github.com/bodul/planchette/internal/tui"
)

var (
	exportDir string
	showPerf  bool
)

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Sit at the board in your terminal",
	Long: `Opens the talking board. Type a question and press enter; questions asked
while the planchette is moving wait their turn. ctrl+e saves the session
transcript as Markdown.`,
	Args: cobra.NoArgs,
	RunE: runBoard,
}

func init() {
	boardCmd.Flags().StringVar(&exportDir, "export-dir", ".", "Directory for saved transcripts")
	boardCmd.Flags().BoolVar(&showPerf, "perf", false, "Show server timings after each answer")
}

func runBoard(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	timing, err := cfg.Board.Timing.Timing()
	if err != nil {
		return err
	}

	// Notifications before the program exists are dropped; the model's
	// initial state already covers them.
	var prog atomic.Pointer[tea.Program]
	notify := func(v any) {
		if p := prog.Load(); p != nil {
			p.Send(v)
		}
	}
	eng, err := newEngine(cfg, timing, notify, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	m := tui.New(tui.Options{
		Layout:         eng.layout,
		Submit:         eng.session.Submit,
		Log:            eng.session.Log(),
		Model:          modelName(),
		ExportDir:      exportDir,
		MaxQuestionLen: cfg.Client.MaxQuestionLen,
		ShowPerf:       showPerf,
	})
	p := tea.NewProgram(m, tea.WithAltScreen())
	prog.Store(p)

	go func() {
		if err := eng.session.Start(ctx); err != nil {
			logger.Error("cannot reach the answer server", zap.String("url", cfg.Client.ServerURL), zap.Error(err))
			notify(session.Failed{Err: err})
		}
	}()

	logger.Info("board opened", zap.String("server", cfg.Client.ServerURL))
	return tui.Run(ctx, p)
}

// modelName labels transcripts with the configured model.
func modelName() string {
	if cfg.Oracle.Model != "" {
		return cfg.Oracle.Model
	}
	return cfg.Oracle.Backend
}
