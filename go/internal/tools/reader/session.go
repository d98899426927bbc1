package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/megillah-live/reader/go/internal/livesync"
	"github.com/megillah-live/reader/go/internal/livesync/events"
	"github.com/spf13/cobra"
)

type establishFunc func(ctx context.Context, ctrl *livesync.Controller) (*livesync.Session, error)

// NewCreateCommand creates the create command.
func NewCreateCommand(rootOpts *RootOptions, open openFunc) *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Start a new reading as its leader",
		Long: `Start a new reading as its leader and print the code followers join with.

The code and password are remembered until the first verse is broadcast,
so "reader resume" can pick the reading up again after a restart.

Example:
  reader create --password esther`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, rootOpts, open, func(ctx context.Context, ctrl *livesync.Controller) (*livesync.Session, error) {
				return ctrl.Create(ctx, password)
			})
		},
	}

	cmd.Flags().StringVarP(&password, "password", "p", "", "leader password")
	_ = cmd.MarkFlagRequired("password")

	return cmd
}

// NewJoinCommand creates the join command.
func NewJoinCommand(rootOpts *RootOptions, open openFunc) *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "join <code>",
		Short: "Join a reading, as leader when the password matches",
		Long: `Join a reading by its code.

Without a password, or with a wrong one, you follow along. With the
reading's password you lead it.

Example:
  reader join 314159
  reader join 314159 --password esther`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			code := args[0]
			return runSession(cmd, rootOpts, open, func(ctx context.Context, ctrl *livesync.Controller) (*livesync.Session, error) {
				return ctrl.Join(ctx, code, password)
			})
		},
	}

	cmd.Flags().StringVarP(&password, "password", "p", "", "leader password")

	return cmd
}

// NewResumeCommand creates the resume command.
func NewResumeCommand(rootOpts *RootOptions, open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:           "resume",
		Short:         "Return to a reading created but not yet broadcast",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSession(cmd, rootOpts, open, func(ctx context.Context, ctrl *livesync.Controller) (*livesync.Session, error) {
				return ctrl.Resume(ctx)
			})
		},
	}
}

// NewAbandonCommand creates the abandon command.
func NewAbandonCommand(rootOpts *RootOptions, open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:           "abandon",
		Short:         "Forget a reading created but not yet broadcast",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := open(cmd.Context(), rootOpts)
			if err != nil {
				return err
			}
			defer rt.close()

			ctrl := livesync.NewController(rt.records, rt.transport, livesync.WithPendingStore(rt.pending))
			p, ok, err := ctrl.Pending()
			if err != nil {
				return err
			}
			if err := ctrl.Abandon(); err != nil {
				return err
			}

			if ok {
				fmt.Fprintf(cmd.OutOrStdout(), "abandoned session %s\n", p.Code)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "no pending session")
			}
			return nil
		},
	}
}

// runSession establishes a session, then drives it from stdin until EOF,
// cancellation or a lost channel
func runSession(cmd *cobra.Command, opts *RootOptions, open openFunc, establish establishFunc) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	rt, err := open(ctx, opts)
	if err != nil {
		return err
	}
	defer rt.close()

	out := &syncWriter{w: cmd.OutOrStdout()}
	lost := make(chan error, 1)

	ctrl := livesync.NewController(rt.records, rt.transport,
		livesync.WithPendingStore(rt.pending),
		livesync.WithHandlers(printHandlers(out, lost)),
	)
	defer ctrl.Close()

	sess, err := establish(ctx, ctrl)
	if err != nil {
		return err
	}

	if sess.IsLeader() {
		out.Printf("leading session %s", sess.Code())
	} else {
		out.Printf("following session %s", sess.Code())
	}

	lines := readLines(ctx, cmd.InOrStdin())
	for {
		select {
		case <-ctx.Done():
			sess.Leave()
			return nil
		case err := <-lost:
			return err
		case line, ok := <-lines:
			if !ok {
				sess.Leave()
				out.Printf("left session %s", sess.Code())
				return nil
			}
			if err := handleLine(ctx, sess, out, line); err != nil {
				var trErr *livesync.TransportError
				if errors.As(err, &trErr) {
					return err
				}
				out.Printf("error: %v", err)
			}
		}
	}
}

func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// handleLine runs one line of input against the session
func handleLine(ctx context.Context, sess *livesync.Session, out *syncWriter, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "pause", "follow":
		if sess.IsLeader() {
			return errors.New("the leader always drives the reading")
		}
		sess.SetFollowing(fields[0] == "follow")
		out.Printf("following %t", sess.Following())
		return nil
	case "start":
		return sess.StartBroadcasting()
	case "word":
		if len(fields) != 2 {
			return errors.New("usage: word <id>")
		}
		return sess.SendWord(ctx, fields[1])
	case "time":
		if len(fields) != 2 {
			return errors.New("usage: time <minutes>")
		}
		minutes, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return fmt.Errorf("invalid minutes %q", fields[1])
		}
		return sess.SendTime(ctx, minutes)
	case "set":
		if len(fields) < 3 {
			return errors.New("usage: set <key> <value>")
		}
		return sess.SendSetting(ctx, fields[1], parseValue(strings.Join(fields[2:], " ")))
	}

	if len(fields) == 1 && sess.IsLeader() {
		return sess.Broadcast(ctx, events.VerseKey(fields[0]))
	}
	return fmt.Errorf("unknown command %q", line)
}

// parseValue reads JSON literals (true, 18, "x") and falls back to the raw text
func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

func printHandlers(out *syncWriter, lost chan<- error) livesync.Handlers {
	return livesync.Handlers{
		OnScrollTarget:   func(verse events.VerseKey) { out.Printf("scroll %s", verse) },
		OnTimeUpdate:     func(minutes float64) { out.Printf("time %g", minutes) },
		OnWordHighlight:  func(wordID string) { out.Printf("word %s", wordID) },
		OnVerseHighlight: func(verse events.VerseKey) { out.Printf("verse %s", verse) },
		OnSettingChange:  func(key string, value any) { out.Printf("setting %s=%v", key, value) },
		OnError: func(err error) {
			select {
			case lost <- err:
			default:
			}
		},
	}
}
