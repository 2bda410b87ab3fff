// Command pairchat joins a matchmaking scope from the terminal. It chats
// with a human peer when one is found in time and with a scripted
// opponent otherwise.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mossy-p/webrtc-matchmaking/config"
	"github.com/mossy-p/webrtc-matchmaking/internal/matchmaking"
	"github.com/mossy-p/webrtc-matchmaking/internal/relay"
	"github.com/mossy-p/webrtc-matchmaking/internal/session"
)

type options struct {
	server        string
	scope         string
	participantID string
	timeout       time.Duration
	stunURLs      []string
	logLevel      string
}

func newRootCmd() *cobra.Command {
	opts := options{}

	cmd := &cobra.Command{
		Use:           "pairchat",
		Short:         "Find an opponent in a scope and chat with them",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.participantID == "" {
				opts.participantID = uuid.New().String()
			}
			logger := config.NewLogger(opts.logLevel, false)
			return run(cmd.Context(), opts, cmd.InOrStdin(), cmd.OutOrStdout(), logger)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.server, "server", "http://localhost:8080", "signaling server base URL")
	f.StringVar(&opts.scope, "scope", "", "session scope to join (required)")
	f.StringVar(&opts.participantID, "participant", "", "participant id (random when empty)")
	f.DurationVar(&opts.timeout, "timeout", matchmaking.DefaultTimeout, "how long to wait for a human opponent")
	f.StringSliceVar(&opts.stunURLs, "stun", []string{"stun:stun.l.google.com:19302"}, "STUN server URLs")
	f.StringVar(&opts.logLevel, "log-level", "warn", "log level")
	_ = cmd.MarkFlagRequired("scope")

	return cmd
}

func run(ctx context.Context, opts options, in io.Reader, out io.Writer, logger zerolog.Logger) error {
	wsURL, err := websocketURL(opts.server)
	if err != nil {
		return err
	}

	signals := dialSignaling(ctx, wsURL, opts, logger)
	defer signals.Close()

	coord := matchmaking.NewCoordinator(
		matchmaking.NewHTTPEnqueuer(opts.server, &http.Client{Timeout: 5 * time.Second}),
		signals,
		matchmaking.WithTimeout(opts.timeout),
		matchmaking.WithLogger(logger),
	)

	var ice []webrtc.ICEServer
	if len(opts.stunURLs) > 0 {
		ice = []webrtc.ICEServer{{URLs: opts.stunURLs}}
	}
	s := session.New(coord, signals, newScriptedResponder(), session.Options{ICEServers: ice, Logger: logger})
	defer s.Close()

	fmt.Fprintf(out, "joining %s as %s, waiting up to %s for an opponent\n",
		opts.scope, opts.participantID, coord.Timeout())
	if err := s.Start(ctx, opts.scope, opts.participantID); err != nil {
		return err
	}

	// Reading the terminal cannot be interrupted, so it stays outside the
	// group and only reports back.
	inputDone := make(chan error, 1)
	go func() { inputDone <- readInput(ctx, s, in, out) }()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		printEvents(s, out)
		return nil
	})
	eg.Go(func() error {
		defer s.Close()
		select {
		case err := <-inputDone:
			return err
		case <-egCtx.Done():
			return nil
		}
	})

	return eg.Wait()
}

func readInput(ctx context.Context, s *session.Session, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "/quit" {
			return nil
		}

		err := s.SendMessage(ctx, text)
		switch {
		case errors.Is(err, session.ErrNotMatched):
			fmt.Fprintln(out, "* still looking for an opponent")
		case errors.Is(err, session.ErrClosed):
			return nil
		case err != nil:
			fmt.Fprintf(out, "* message not sent: %v\n", err)
		}
	}
	return scanner.Err()
}

func printEvents(s *session.Session, out io.Writer) {
	outcomes, states, messages := s.Outcome(), s.States(), s.Messages()
	for outcomes != nil || states != nil || messages != nil {
		select {
		case o, ok := <-outcomes:
			if !ok {
				outcomes = nil
				continue
			}
			if o.Mode == matchmaking.ModeHuman {
				fmt.Fprintf(out, "* matched with %s\n", o.OpponentID)
			} else {
				fmt.Fprintln(out, "* nobody showed up, you are chatting with the house")
			}
		case st, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			fmt.Fprintf(out, "* %s\n", st)
		case msg, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			fmt.Fprintf(out, "opponent: %s\n", msg)
		}
	}
}

type signalingConn interface {
	relay.Relay
	matchmaking.Notifier
	Close() error
}

type unreachable struct{ *relay.Unavailable }

func (unreachable) Close() error { return nil }

// dialSignaling connects to the server's signaling endpoint. When the server
// cannot be reached the session still starts and ends up with the automated
// opponent once the match timeout expires.
func dialSignaling(ctx context.Context, wsURL string, opts options, logger zerolog.Logger) signalingConn {
	dialCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	ws, err := relay.DialWebSocket(dialCtx, wsURL, opts.scope, opts.participantID, logger)
	if err != nil {
		logger.Warn().Err(err).Msg("signaling server unreachable, only the automated opponent is available")
		return unreachable{relay.NewUnavailable(err)}
	}
	return ws
}

// websocketURL maps the server's http(s) base URL to its ws(s) form.
func websocketURL(server string) (string, error) {
	switch {
	case strings.HasPrefix(server, "https://"):
		return "wss://" + strings.TrimPrefix(server, "https://"), nil
	case strings.HasPrefix(server, "http://"):
		return "ws://" + strings.TrimPrefix(server, "http://"), nil
	}
	return "", errors.Errorf("server URL must start with http:// or https://, got %q", server)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "pairchat:", err)
		os.Exit(1)
	}
}
