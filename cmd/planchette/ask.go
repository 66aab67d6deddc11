package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bodul/planchette/internal/player"
	"github.com/bodul/planchette/internal/session"
)

var (
	instant        bool
	transcriptPath string
	showSteps      bool
)

var askCmd = &cobra.Command{
	Use:   "ask QUESTION...",
	Short: "Ask questions without the board and print the answers",
	Long: `Queues every question in order, prints the conversation as the board
would spell it and exits once the last answer has been played.`,
	Example: `  planchette ask "Is anyone there?" "What is your name?"
  planchette ask --instant --transcript seance.md "Will it rain?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().BoolVar(&instant, "instant", false, "Play answers without delays")
	askCmd.Flags().StringVar(&transcriptPath, "transcript", "", "Write a Markdown transcript to this path")
	askCmd.Flags().BoolVar(&showSteps, "steps", false, "Print every board command as it is played")
}

// printer writes engine notifications as plain lines. Notifications arrive
// from several goroutines.
type printer struct {
	mu    sync.Mutex
	out   io.Writer
	err   io.Writer
	steps bool
}

func (p *printer) notify(v any) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch msg := v.(type) {
	case session.EntryAdded:
		who := "You"
		if msg.Entry.Role == session.RoleSpirit {
			who = "Spirit"
		}
		fmt.Fprintf(p.out, "%s: %s\n", who, msg.Entry.Text)
	case session.Crisis:
		fmt.Fprintln(p.err, "If you are struggling, help is available: https://findahelpline.com")
	case session.Failed:
		fmt.Fprintf(p.err, "The spirits are silent: %v\n", msg.Err)
	case session.ModelState:
		if !msg.Status.Ready() {
			fmt.Fprintf(p.err, "model %s %.0f%%\n", msg.Status.Status, msg.Status.Progress*100)
		}
	case player.Step:
		if p.steps {
			fmt.Fprintf(p.out, "  %-8s %s\n", msg.Command, msg.Revealed)
		}
	}
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	timing, err := cfg.Board.Timing.Timing()
	if err != nil {
		return err
	}
	if instant {
		timing = player.Timing{}
	}

	pr := &printer{out: cmd.OutOrStdout(), err: cmd.ErrOrStderr(), steps: showSteps}
	eng, err := newEngine(cfg, timing, pr.notify, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.session.Start(ctx); err != nil {
		return err
	}
	for _, q := range args {
		if err := eng.session.Submit(q); err != nil {
			if errors.Is(err, session.ErrEmptyQuestion) {
				logger.Warn("skipping empty question")
				continue
			}
			return err
		}
	}
	if err := eng.session.Wait(ctx); err != nil {
		return err
	}
	if err := eng.player.Wait(ctx); err != nil {
		return err
	}

	if transcriptPath != "" {
		if err := writeTranscript(transcriptPath, eng.session.Log()); err != nil {
			return err
		}
		logger.Info("transcript written", zap.String("path", transcriptPath))
	}
	return nil
}

func writeTranscript(path string, log *session.Log) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create transcript: %w", err)
	}
	meta := session.Meta{Date: time.Now(), Model: modelName()}
	if err := session.WriteTranscript(f, log.Entries(), meta); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
