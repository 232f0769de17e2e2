package cli

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/luciancaetano/ktunnel/ws"
)

const shutdownTimeout = 5 * time.Second

func newServeCommand(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a tunnel server that echoes speak messages to every client",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closeLog, err := a.load()
			if err != nil {
				return err
			}
			defer closeLog()
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			server := ws.NewServerFromConfig(cfg, logger)
			registerEcho(server, logger)

			if err := server.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			logger.Info("shutting down")
			return server.Stop(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address")
	return cmd
}

// registerEcho broadcasts every valid speak message to all clients.
func registerEcho(server *ws.Server, logger logrus.FieldLogger) {
	server.On(SpeakEvent, func(client *ws.Client, payload json.RawMessage) {
		var msg Speak
		if err := json.Unmarshal(payload, &msg); err != nil || msg.Word == "" {
			logger.WithField("client_id", client.ID()).Debug("ignoring empty speak")
			return
		}

		logger.WithFields(logrus.Fields{
			"client_id": client.ID(),
			"word":      msg.Word,
		}).Info("speak")

		if err := server.Broadcast(client.Context(), SpeakEvent, msg); err != nil {
			logger.WithError(err).Warn("broadcast failed")
		}
	})
}
