// cmd/browse.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shamak1/azure-mfa-auth/internal/browser"
	"github.com/shamak1/azure-mfa-auth/internal/config"
	"github.com/shamak1/azure-mfa-auth/internal/impersonation"
	"github.com/shamak1/azure-mfa-auth/internal/observability"
)

type browseOptions struct {
	objectID string
	userID   string
	url      string
}

func newBrowseCmd() *cobra.Command {
	var opts browseOptions

	browseCmd := &cobra.Command{
		Use:   "browse",
		Short: "Open the app with the saved session, optionally as another user",
		Long: `Restores the session saved by "login" into a new Chrome tab and opens the
page URL. With --object-id or --user-id every Dataverse Web API request sent by
the page carries the matching impersonation header. The browser stays open
until interrupted. Run with --headless=false to see the window.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBrowse(cmd.Context(), config.Get(), observability.GetLogger(), opts)
		},
	}

	browseCmd.Flags().StringVar(&opts.objectID, "object-id", "", "impersonate the user with this Entra object id (CallerObjectId)")
	browseCmd.Flags().StringVar(&opts.userID, "user-id", "", "impersonate the user with this Dataverse systemuserid (MSCRMCallerID)")
	browseCmd.Flags().StringVar(&opts.url, "url", "", "page to open (default is the configured page URL)")
	browseCmd.MarkFlagsMutuallyExclusive("object-id", "user-id")
	return browseCmd
}

func runBrowse(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts browseOptions) error {
	target := opts.url
	if target == "" {
		target = cfg.Auth.PageURL
	}
	if target == "" {
		return errors.New("no page to open: set PAGE_URL or pass --url")
	}

	state, err := browser.ReadStorageState(cfg.Browser.StorageStatePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("no saved session at %s, run \"mfa-auth login\" first", cfg.Browser.StorageStatePath)
		}
		return err
	}

	// The browser outlives ctx so impersonation can be stopped cleanly.
	browserCtx := context.WithoutCancel(ctx)
	mgr, err := browser.NewManager(browserCtx, logger, cfg.Browser)
	if err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	defer shutdownManager(mgr, logger)

	page, err := mgr.NewPage(browserCtx)
	if err != nil {
		return err
	}
	if err := page.RestoreStorageState(ctx, state); err != nil {
		return err
	}

	ctl := impersonation.NewController(page, cfg.Impersonation.APIPattern, logger)
	switch {
	case opts.objectID != "":
		err = ctl.ImpersonateByDirectoryObjectID(ctx, opts.objectID)
	case opts.userID != "":
		err = ctl.ImpersonateByUserID(ctx, opts.userID)
	}
	if err != nil {
		return err
	}

	if err := page.Navigate(ctx, target); err != nil {
		return err
	}
	logger.Info("Browsing, interrupt to exit",
		zap.String("url", target),
		zap.Bool("impersonating", ctl.IsActive()),
		zap.Any("headers", ctl.Headers()),
	)

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(browserCtx, 5*time.Second)
	defer cancel()
	if err := ctl.StopImpersonation(stopCtx); err != nil {
		logger.Warn("Failed to stop impersonation", zap.Error(err))
	}
	return nil
}
