package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aussiebroadwan/techmatch/internal/app"
	"github.com/aussiebroadwan/techmatch/pkg/apisdk"
	"github.com/spf13/cobra"
)

type cli struct {
	debug bool
	app   *app.Application
}

func newRootCmd() (*cobra.Command, *cli) {
	c := &cli{}

	root := &cobra.Command{
		Use:          "techmatch",
		Short:        "Technician recommendations for service requests",
		Long:         `techmatch logs into the backend and fetches ranked technician recommendations for service requests.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.init()
		},
	}
	root.PersistentFlags().BoolVar(&c.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		c.recommendCmd(),
		c.healthCmd(),
		c.loginCmd(),
		c.logoutCmd(),
	)

	root.SetErrPrefix("techmatch:")
	return root, c
}

func (c *cli) init() error {
	cfg := app.LoadConfig()
	if c.debug {
		cfg.LogLevel = "debug"
	}

	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	if err := a.Start(); err != nil {
		return err
	}
	c.app = a
	return nil
}

// close releases the application. Safe to call when init never ran.
func (c *cli) close() error {
	if c.app == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.app.Shutdown(ctx)
}

// fail logs err and hands it back for cobra to turn into a non-zero exit.
func (c *cli) fail(msg string, err error) error {
	if errors.Is(err, apisdk.ErrRefreshFailed) {
		c.app.Logger().Error("session expired, run `techmatch login` first", "error", err)
	} else {
		c.app.Logger().Error(msg, "error", err)
	}
	return err
}

func (c *cli) recommendCmd() *cobra.Command {
	var every time.Duration

	cmd := &cobra.Command{
		Use:   "recommend <request-id>...",
		Short: "Print ranked technicians for one or more service requests",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]int64, 0, len(args))
			for _, a := range args {
				id, err := strconv.ParseInt(a, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid request id %q: %w", a, err)
				}
				ids = append(ids, id)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if every <= 0 {
				return c.recommendOnce(ctx, cmd.OutOrStdout(), ids)
			}

			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				if err := c.recommendOnce(ctx, cmd.OutOrStdout(), ids); err != nil {
					return err
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().DurationVar(&every, "every", 0, "repeat the lookup at this interval until interrupted")

	return cmd
}

func (c *cli) recommendOnce(ctx context.Context, out io.Writer, ids []int64) error {
	results, err := c.app.Recommend(ctx, ids)
	if err != nil {
		return c.fail("recommendation lookup failed", err)
	}
	return writeJSON(out, results)
}

func (c *cli) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the recommendation service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status := c.app.Recommendations.HealthCheck(cmd.Context())
			return writeJSON(cmd.OutOrStdout(), status)
		},
	}
}

func (c *cli) loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login <email> <password>",
		Short: "Log in and store the session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := c.app.API.Login(cmd.Context(), args[0], args[1])
			if err != nil {
				return c.fail("login failed", err)
			}
			return writeJSON(cmd.OutOrStdout(), map[string]string{"userId": sess.UserID})
		},
	}
}

func (c *cli) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.app.API.Logout(cmd.Context()); err != nil {
				return c.fail("logout failed", err)
			}
			return nil
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
