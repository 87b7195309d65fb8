// keyreplayctl inspects and replays recorded answers offline.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"keyreplay/internal/config"
	"keyreplay/internal/keystroke"
	"keyreplay/internal/player"
	"keyreplay/internal/store"
	"keyreplay/internal/wal"
)

var configPath = flag.String("config", "", "path to config file")

func main() {
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(1)
	}

	var err error
	switch cmd, args := flag.Arg(0), flag.Args()[1:]; cmd {
	case "reconstruct":
		err = cmdReconstruct(os.Stdout, args)
	case "replay":
		err = cmdReplay(os.Stdout, args)
	case "info":
		err = cmdInfo(os.Stdout, args)
	case "outbox":
		err = cmdOutbox(os.Stdout, args)
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `keyreplayctl - Inspect and replay recorded answers

Usage: keyreplayctl [options] <command> [args]

Commands:
  reconstruct <file>          Print the final text of a replay document
  replay [-speed N] <file>    Play a replay document in the terminal
  info <file>                 Show language, event count, duration and snapshot checks
  outbox                      List submissions waiting for retry
  help                        Show this help message

A replay document is the JSON served by GET /answers/{id}/replay.

Options:
  -config <path>  Path to config file (default: platform config dir)`)
}

var errUsage = errors.New("missing file argument")

func loadReplay(args []string) (*store.Replay, error) {
	if len(args) < 1 {
		return nil, errUsage
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, err
	}
	var r store.Replay
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse %s: %w", args[0], err)
	}
	if err := keystroke.ValidateAll(r.Keystrokes); err != nil {
		return nil, fmt.Errorf("%s: %w", args[0], err)
	}
	return &r, nil
}

func cmdReconstruct(w io.Writer, args []string) error {
	r, err := loadReplay(args)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, keystroke.ReconstructFrom(r.InitialText, r.Keystrokes))
	return nil
}

func cmdInfo(w io.Writer, args []string) error {
	r, err := loadReplay(args)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Answer:\t%s\n", r.AnswerID)
	fmt.Fprintf(tw, "Question:\t%s\n", r.QuestionID)
	fmt.Fprintf(tw, "Language:\t%s\n", r.Language)
	fmt.Fprintf(tw, "Events:\t%d\n", len(r.Keystrokes))
	fmt.Fprintf(tw, "Duration:\t%s\n", keystroke.FormatDuration(r.DurationMs()))
	if store.VerifyFinalText(r) {
		fmt.Fprintf(tw, "Final text:\tmatches replay\n")
	} else {
		fmt.Fprintf(tw, "Final text:\tdiffers from replay (pasted or composed input)\n")
	}
	mismatches := store.VerifySnapshots(r)
	fmt.Fprintf(tw, "Snapshots:\t%d mismatched\n", len(mismatches))
	if err := tw.Flush(); err != nil {
		return err
	}
	for _, m := range mismatches {
		fmt.Fprintf(w, "  %v\n", m)
	}
	return nil
}

func cmdReplay(w io.Writer, args []string) error {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	speed := fs.Float64("speed", 1, "playback multiplier")
	if err := fs.Parse(args); err != nil {
		return err
	}
	r, err := loadReplay(fs.Args())
	if err != nil {
		return err
	}
	if len(r.Keystrokes) == 0 {
		fmt.Fprintln(w, r.InitialText)
		return nil
	}

	done := make(chan struct{})
	p := player.New(r.InitialText, r.Keystrokes, r.Language, player.Options{
		Speed: *speed,
		OnFrame: func(f player.Frame) {
			if f.State == player.Playing || f.State == player.Complete {
				fmt.Fprintf(w, "\033[H\033[2J[%5.1f%% %s x%.1f]\n%s\n",
					f.Progress, keystroke.FormatDuration(f.DurationMs), f.Speed, f.Text)
			}
		},
		OnComplete: func() { close(done) },
	})
	defer p.Close()

	p.Play()
	timeout := time.Duration(float64(r.DurationMs())/p.Speed())*time.Millisecond + 5*time.Second
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("replay did not complete")
	}
}

func cmdOutbox(w io.Writer, _ []string) error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !wal.Exists(cfg.Outbox.Path) {
		fmt.Fprintln(w, "No outbox found")
		return nil
	}
	ob, err := wal.OpenOutbox(cfg.Outbox.Path, cfg.Outbox.Secret)
	if err != nil {
		if errors.Is(err, wal.ErrLocked) {
			return errors.New("outbox is in use by a running keyreplayd")
		}
		return err
	}
	defer ob.Close()

	pending, err := ob.Pending()
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		fmt.Fprintln(w, "No pending submissions")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tRECORDED\tANSWER\tEVENTS\tTEXT")
	for _, p := range pending {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d chars\n",
			p.Seq,
			p.RecordedAt.Format(time.RFC3339),
			p.Submission.AnswerID,
			len(p.Submission.Events),
			len([]rune(p.Submission.Text)),
		)
	}
	return tw.Flush()
}
