/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Command agentphone runs the agent phone and serves its control API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tejzpr/agentphone/callcontrol"
	"github.com/tejzpr/agentphone/calling"
	"github.com/tejzpr/agentphone/controlapi"
	"github.com/tejzpr/agentphone/phonesdk"
	"github.com/tejzpr/agentphone/pushbus"
)

var (
	token      string
	apiURL     string
	pushURL    string
	controlURL string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "agentphone",
		Short:        "Agent softphone session orchestrator",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("AGENTPHONE_TOKEN"), "Access token (env AGENTPHONE_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", envOr("AGENTPHONE_API_URL", phonesdk.DefaultConfig().BaseURL), "Call-control API base URL")
	rootCmd.PersistentFlags().StringVar(&pushURL, "push-url", os.Getenv("AGENTPHONE_PUSH_URL"), "Push channel websocket URL")
	rootCmd.PersistentFlags().StringVar(&controlURL, "control-url", envOr("AGENTPHONE_CONTROL_URL", "http://127.0.0.1:8055"), "Control API URL used by client commands")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", envOr("AGENTPHONE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(whoamiCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(dialCmd())
	rootCmd.AddCommand(hangupCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newLogger() (*zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", logLevel, err)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().Timestamp().Logger()
	return &logger, nil
}

func identity() (*phonesdk.Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("an access token is required (--token or AGENTPHONE_TOKEN)")
	}
	return phonesdk.IdentityFromToken(token)
}

func serveCmd() *cobra.Command {
	var (
		addr            string
		callerID        string
		countryCode     string
		approvedRegions []string
		ringTimeout     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Connect the phone and serve the control API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}
			id, err := identity()
			if err != nil {
				return err
			}
			if pushURL == "" {
				return fmt.Errorf("a push channel URL is required (--push-url or AGENTPHONE_PUSH_URL)")
			}

			sdkConfig := phonesdk.DefaultConfig()
			sdkConfig.BaseURL = apiURL
			sdkConfig.Logger = logger
			sdk, err := phonesdk.NewClient(token, sdkConfig)
			if err != nil {
				return fmt.Errorf("error creating call-control client: %w", err)
			}

			busConfig := pushbus.DefaultConfig()
			busConfig.URL = pushURL
			busLogger := logger.With().Str("component", "pushbus").Logger()
			bus := pushbus.New(sdk, busConfig, &busLogger)

			phoneLogger := logger.With().Str("agent", id.AgentID).Logger()
			phone, err := calling.NewPhone(&calling.Config{
				AgentID:            id.AgentID,
				Region:             id.Region,
				CallerID:           callerID,
				DefaultCountryCode: countryCode,
				ApprovedRegions:    approvedRegions,
				RingTimeout:        ringTimeout,
			}, calling.Dependencies{
				// headless: no audio backends, NewPhone logs which are absent
				API: callcontrol.New(sdk),
				Bus: bus,
			}, &phoneLogger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := phone.Start(ctx); err != nil {
				return err
			}
			if !id.ExpiresAt.IsZero() {
				expiry := time.AfterFunc(time.Until(id.ExpiresAt), func() {
					logger.Warn().Time("expiresAt", id.ExpiresAt).Msg("access token expired")
					phone.AuthLost()
				})
				defer expiry.Stop()
			}

			serverConfig := controlapi.DefaultConfig()
			serverConfig.Addr = addr
			server := controlapi.NewServer(phone, serverConfig, logger)

			errCh := make(chan error, 1)
			go func() { errCh <- server.ListenAndServe() }()

			select {
			case <-ctx.Done():
				logger.Info().Msg("shutting down")
			case err = <-errCh:
				logger.Error().Err(err).Msg("control API stopped")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if serr := server.Shutdown(shutdownCtx); serr != nil {
				logger.Warn().Err(serr).Msg("control API shutdown failed")
			}
			if perr := phone.Shutdown(shutdownCtx); perr != nil {
				logger.Warn().Err(perr).Msg("phone shutdown incomplete")
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", controlapi.DefaultConfig().Addr, "Control API listen address")
	cmd.Flags().StringVar(&callerID, "caller-id", os.Getenv("AGENTPHONE_CALLER_ID"), "Caller id presented on outbound calls")
	cmd.Flags().StringVar(&countryCode, "country-code", calling.DefaultCountryCode, "Country code for national numbers")
	cmd.Flags().StringSliceVar(&approvedRegions, "approved-region", nil, "Accept offers only from these regions (repeatable)")
	cmd.Flags().DurationVar(&ringTimeout, "ring-timeout", 0, "Unanswered offer timeout (default 60s)")

	return cmd
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the agent identity carried by the access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identity()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Agent:  %s\n", id.AgentID)
			if id.Name != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Name:   %s\n", id.Name)
			}
			if id.Region != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Region: %s\n", id.Region)
			}
			if !id.ExpiresAt.IsZero() {
				fmt.Fprintf(cmd.OutOrStdout(), "Expiry: %s\n", id.ExpiresAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}

func stateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Print the state of a running phone",
		RunE: func(cmd *cobra.Command, args []string) error {
			var state controlapi.StateResponse
			if err := control(cmd.Context(), http.MethodGet, "/api/state", nil, &state); err != nil {
				return err
			}
			printState(cmd.OutOrStdout(), state)
			return nil
		},
	}
}

func dialCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dial <number>",
		Short: "Place an outbound call from a running phone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				CallID string `json:"callId"`
			}
			body := map[string]string{"number": args[0]}
			if err := control(cmd.Context(), http.MethodPost, "/api/calls", body, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Dialing %s (call %s)\n", args[0], resp.CallID)
			return nil
		},
	}
}

func hangupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hangup",
		Short: "End the active call of a running phone",
		RunE: func(cmd *cobra.Command, args []string) error {
			var state controlapi.StateResponse
			if err := control(cmd.Context(), http.MethodPost, "/api/calls/end", nil, &state); err != nil {
				return err
			}
			printState(cmd.OutOrStdout(), state)
			return nil
		},
	}
}

func printState(w io.Writer, state controlapi.StateResponse) {
	fmt.Fprintf(w, "Conference: %s %s\n", state.Conference.Status, state.Conference.ConferenceID)
	if call := state.Call; call != nil {
		flags := []string{}
		if call.IsMuted {
			flags = append(flags, "muted")
		}
		if call.IsOnHold {
			flags = append(flags, "on hold")
		}
		fmt.Fprintf(w, "Call:       %s %s %s %s [%s] %s\n", call.CallType, call.Status, call.CallID,
			call.ConnectedNumber, strings.Join(flags, ","), state.Elapsed)
	} else {
		fmt.Fprintln(w, "Call:       none")
	}
	if tr := state.Transfer; tr != nil {
		fmt.Fprintf(w, "Transfer:   %s to %s\n", tr.Status, tr.TargetNumber)
	}
	if offer := state.Offer; offer != nil {
		fmt.Fprintf(w, "Offer:      %s from %s (%s)\n", offer.Kind, offer.From, offer.CallID)
	}
}

func control(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = strings.NewReader(string(data))
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(controlURL, "/")+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("error reaching control API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr controlapi.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
			return fmt.Errorf("control API returned %s", resp.Status)
		}
		return fmt.Errorf("%s (%s)", apiErr.Error, apiErr.Kind)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
