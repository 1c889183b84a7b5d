package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/suyash-sneo/tileacq/acq"
	"github.com/suyash-sneo/tileacq/eventsource"
)

type command struct {
	name  string
	usage string
}

var commands = []command{
	{"start", "start"},
	{"acquire", "acquire <row> <col> [channel] [axis=value ...]"},
	{"grid", "grid <rows> <cols> [channel]"},
	{"finish", "finish"},
	{"pause", "pause"},
	{"resume", "resume"},
	{"status", "status"},
	{"abort", "abort [reason ...]"},
	{"help", "help"},
	{"quit", "quit"},
}

type shell struct {
	client  *eventsource.Client
	out     io.Writer
	timeout time.Duration
}

// handle runs one command line. It reports true when the session should end.
func (s *shell) handle(ctx context.Context, line string) (bool, error) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	switch strings.ToLower(parts[0]) {
	case "help":
		for _, c := range commands {
			fmt.Fprintf(s.out, "  %s\n", c.usage)
		}
	case "quit", "exit":
		return true, nil
	case "start":
		return false, s.ok(s.client.Start(ctx))
	case "acquire":
		ev, err := parseEvent(parts[1:])
		if err != nil {
			return false, err
		}
		return false, s.ok(s.client.Acquire(ctx, ev))
	case "grid":
		events, err := parseGrid(parts[1:])
		if err != nil {
			return false, err
		}
		if err := s.client.Acquire(ctx, events...); err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "queued %d tiles\n", len(events))
	case "finish":
		return false, s.ok(s.client.Finish(ctx))
	case "pause":
		return false, s.ok(s.client.Pause(ctx, true))
	case "resume":
		return false, s.ok(s.client.Pause(ctx, false))
	case "status":
		st, err := s.client.Status(ctx)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "session=%s bound=%t finished=%t aborted=%t accepted=%d\n",
			st.SessionID, st.Bound, st.Finished, st.Aborted, st.Accepted)
	case "abort":
		if err := s.client.Abort(ctx, strings.Join(parts[1:], " ")); err != nil {
			return false, err
		}
		fmt.Fprintln(s.out, "aborted")
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q (try help)", parts[0])
	}
	return false, nil
}

func (s *shell) ok(err error) error {
	if err == nil {
		fmt.Fprintln(s.out, "ok")
	}
	return err
}

func parseEvent(args []string) (acq.Event, error) {
	if len(args) < 2 {
		return acq.Event{}, fmt.Errorf("usage: acquire <row> <col> [channel] [axis=value ...]")
	}
	row, err := strconv.Atoi(args[0])
	if err != nil {
		return acq.Event{}, fmt.Errorf("row: %w", err)
	}
	col, err := strconv.Atoi(args[1])
	if err != nil {
		return acq.Event{}, fmt.Errorf("col: %w", err)
	}
	ev := acq.Event{Row: row, Col: col}
	for _, a := range args[2:] {
		name, val, ok := strings.Cut(a, "=")
		if !ok {
			ev.Channel = a
			continue
		}
		v, err := strconv.Atoi(val)
		if err != nil {
			return acq.Event{}, fmt.Errorf("axis %s: %w", name, err)
		}
		if ev.Axes == nil {
			ev.Axes = map[string]int{}
		}
		ev.Axes[name] = v
	}
	return ev, nil
}

func parseGrid(args []string) ([]acq.Event, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("usage: grid <rows> <cols> [channel]")
	}
	rows, err := strconv.Atoi(args[0])
	if err != nil || rows <= 0 {
		return nil, fmt.Errorf("rows must be a positive integer")
	}
	cols, err := strconv.Atoi(args[1])
	if err != nil || cols <= 0 {
		return nil, fmt.Errorf("cols must be a positive integer")
	}
	channel := ""
	if len(args) > 2 {
		channel = args[2]
	}
	events := make([]acq.Event, 0, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			events = append(events, acq.Event{Row: r, Col: c, Channel: channel})
		}
	}
	return events, nil
}
