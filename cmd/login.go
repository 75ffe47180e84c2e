// cmd/login.go
package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/shamak1/azure-mfa-auth/internal/auth"
	"github.com/shamak1/azure-mfa-auth/internal/browser"
	"github.com/shamak1/azure-mfa-auth/internal/config"
	"github.com/shamak1/azure-mfa-auth/internal/observability"
)

const shutdownTimeout = 15 * time.Second

func newLoginCmd(v *viper.Viper) *cobra.Command {
	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and save the browser session for test runs",
		Long: `Opens the page URL in Chrome, completes the Microsoft sign-in form with the
configured credentials (answering the authenticator-app challenge when an OTP
secret is set) and writes the resulting cookies and local storage to the
session snapshot file, which end-to-end tests load to skip signing in.

Credentials are read from PAGE_URL, USER_NAME, PASSWORD and OTP_SECRET.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd.Context(), config.Get(), observability.GetLogger(), cmd.OutOrStdout())
		},
	}

	loginCmd.Flags().StringP("output", "o", "", "session snapshot path (default .auth/user.json)")
	_ = v.BindPFlag("browser.storage_state_path", loginCmd.Flags().Lookup("output"))
	return loginCmd
}

func runLogin(ctx context.Context, cfg *config.Config, logger *zap.Logger, out io.Writer) error {
	creds := auth.CredentialsFromConfig(cfg.Auth)
	// Fail before Chrome is started.
	if err := creds.Validate(); err != nil {
		return err
	}

	mgr, err := browser.NewManager(ctx, logger, cfg.Browser)
	if err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	defer shutdownManager(mgr, logger)

	page, err := mgr.NewPage(ctx)
	if err != nil {
		return err
	}

	res, err := auth.FromConfig(cfg.Auth, logger).Authenticate(ctx, page, creds)
	if err != nil {
		return fmt.Errorf("sign-in failed: %w", err)
	}

	if loc, err := page.CurrentURL(ctx); err == nil {
		logger.Info("Signed in", zap.String("location", loc), zap.Stringer("mfa", res.MFA))
	}

	state, err := page.SaveStorageState(ctx, cfg.Browser.StorageStatePath)
	if err != nil {
		return err
	}

	logger.Info("Session saved",
		zap.String("path", cfg.Browser.StorageStatePath),
		zap.Int("cookies", len(state.Cookies)),
		zap.Int("origins", len(state.Origins)),
	)
	fmt.Fprintf(out, "Session saved to %s (%d cookies, MFA %s)\n", cfg.Browser.StorageStatePath, len(state.Cookies), res.MFA)
	return nil
}

func shutdownManager(mgr *browser.Manager, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := mgr.Shutdown(ctx); err != nil {
		logger.Warn("Browser shutdown failed", zap.Error(err))
	}
}
