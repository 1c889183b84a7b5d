package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/suyash-sneo/tileacq/eventsource"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer cancel()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "acqctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		url     string
		exec    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:          "acqctl",
		Short:        "Drive an acquisition session over its control channel",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			dialCtx, cancel := context.WithTimeout(ctx, timeout)
			client, err := eventsource.Dial(dialCtx, url)
			cancel()
			if err != nil {
				return err
			}
			defer client.Close()

			sh := &shell{client: client, out: cmd.OutOrStdout(), timeout: timeout}
			if exec != "" {
				for _, line := range strings.Split(exec, ";") {
					quit, err := sh.handle(ctx, line)
					if err != nil {
						return err
					}
					if quit {
						return nil
					}
				}
				return nil
			}
			return repl(ctx, sh)
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://127.0.0.1:4827/control", "control channel URL")
	cmd.Flags().StringVarP(&exec, "exec", "e", "", "run ';'-separated commands and exit")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "per-command timeout")
	return cmd
}

func repl(ctx context.Context, sh *shell) error {
	home, _ := os.UserHomeDir()
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "acq> ",
		HistoryFile:     filepath.Join(home, ".acqctl_history"),
		AutoComplete:    completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()
	sh.out = rl.Stdout()

	fmt.Fprintln(sh.out, "Connected. Type 'help' for commands.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		quit, err := sh.handle(ctx, line)
		if err != nil {
			fmt.Fprintf(sh.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

func completer() *readline.PrefixCompleter {
	items := make([]readline.PrefixCompleterInterface, 0, len(commands))
	for _, c := range commands {
		items = append(items, readline.PcItem(c.name))
	}
	return readline.NewPrefixCompleter(items...)
}
