package cli

import (
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/luciancaetano/ktunnel/ws"
)

func newRequestCommand(a *app) *cobra.Command {
	var (
		login    bool
		loginURL string
	)

	cmd := &cobra.Command{
		Use:   "request [url]",
		Short: "Send a GET request carrying the session and print the response body",
		Long: `Send a GET request to url (or session.request_url) with the session headers
attached. With --login a session is obtained from the login url first.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closeLog, err := a.load()
			if err != nil {
				return err
			}
			defer closeLog()

			target := cfg.Session.RequestURL
			if len(args) == 1 {
				target = args[0]
			}
			if target == "" {
				return fmt.Errorf("no url: pass one or set session.request_url in the config file")
			}
			if cmd.Flags().Changed("login-url") {
				cfg.Session.LoginURL = loginURL
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, target, nil)
			if err != nil {
				return err
			}

			requester := ws.NewRequester(cfg.Session.LoginURL, ws.NewSessionStore(), nil, logger)
			resp, err := requester.Do(cmd.Context(), req, ws.RequestOptions{Login: login})
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			logger.WithField("status", resp.StatusCode).Debug("request complete")
			if resp.StatusCode >= http.StatusBadRequest {
				return fmt.Errorf("request failed: %s", resp.Status)
			}

			_, err = io.Copy(a.out, resp.Body)
			return err
		},
	}

	cmd.Flags().BoolVar(&login, "login", false, "log in before sending the request")
	cmd.Flags().StringVar(&loginURL, "login-url", "", "login service url (overrides session.login_url)")
	return cmd
}
