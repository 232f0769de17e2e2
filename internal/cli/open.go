package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/luciancaetano/ktunnel"
	"github.com/luciancaetano/ktunnel/ws"
)

// SpeakEvent is the chat message exchanged by open and serve.
const SpeakEvent = "speak"

// Speak is the payload of SpeakEvent.
type Speak struct {
	Word string `json:"word"`
}

var (
	errInputClosed = errors.New("input closed")
	errTunnelDone  = errors.New("tunnel done")
)

func newOpenCommand(a *app) *cobra.Command {
	var noReconnect bool

	cmd := &cobra.Command{
		Use:   "open [url]",
		Short: "Open a tunnel and send every input line as a speak message",
		Long: `Open a tunnel to url (or the configured endpoint), print lifecycle events and
incoming speak messages, and send each line read from stdin as
speak {"word": line}. The tunnel closes on Ctrl-C or at end of input.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closeLog, err := a.load()
			if err != nil {
				return err
			}
			defer closeLog()

			endpoint := cfg.Endpoint
			if len(args) == 1 {
				endpoint = args[0]
			}
			if endpoint == "" {
				return errors.New("no endpoint: pass a url or set endpoint in the config file")
			}

			opts := []ws.Option{ws.WithConfig(cfg), ws.WithLogger(logger)}
			if noReconnect {
				opts = append(opts, ws.WithReconnect(false))
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return a.runTunnel(ctx, ws.NewTunnel(endpoint, opts...), logger)
		},
	}

	cmd.Flags().BoolVar(&noReconnect, "no-reconnect", false, "do not reconnect after the connection drops")
	return cmd
}

func (a *app) runTunnel(ctx context.Context, tunnel ktunnel.Tunnel, logger logrus.FieldLogger) error {
	var (
		outMu   sync.Mutex
		failure error
	)
	printf := func(format string, args ...any) {
		outMu.Lock()
		defer outMu.Unlock()
		fmt.Fprintf(a.out, format, args...)
	}

	tunnel.On(ktunnel.EventConnect, func(ktunnel.Event) { printf("connected\n") })
	tunnel.On(ktunnel.EventReconnecting, func(e ktunnel.Event) { printf("reconnecting (attempt %d)\n", e.Attempt) })
	tunnel.On(ktunnel.EventReconnect, func(ktunnel.Event) { printf("reconnected\n") })
	tunnel.On(ktunnel.EventClose, func(ktunnel.Event) { printf("closed\n") })
	tunnel.On(ktunnel.EventError, func(e ktunnel.Event) {
		printf("error: %v\n", e.Err)
		outMu.Lock()
		failure = e.Err
		outMu.Unlock()
	})
	tunnel.On(SpeakEvent, func(e ktunnel.Event) {
		var msg Speak
		if err := e.Decode(&msg); err != nil {
			logger.WithError(err).Warn("ignoring speak message")
			return
		}
		printf("speak: %s\n", msg.Word)
	})

	if err := tunnel.Open(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	lines := make(chan string)
	go scanLines(gctx, a.in, lines)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return errInputClosed
				}
				if err := tunnel.Emit(gctx, SpeakEvent, Speak{Word: line}); err != nil {
					logger.WithError(err).WithField("word", line).Warn("message not sent")
				}
			}
		}
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return tunnel.Close()
		case <-tunnel.Done():
			return errTunnelDone
		}
	})

	err := g.Wait()
	<-tunnel.Done()

	if err != nil && !errors.Is(err, errInputClosed) && !errors.Is(err, errTunnelDone) {
		return err
	}

	outMu.Lock()
	defer outMu.Unlock()
	return failure
}

// scanLines sends every non-empty line of r until ctx is done and closes
// lines at the end of input.
func scanLines(ctx context.Context, r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		select {
		case lines <- line:
		case <-ctx.Done():
			return
		}
	}
}
