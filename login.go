package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/healthterms/termpush/internal/auth"
	"github.com/healthterms/termpush/internal/config"
)

func newLoginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Verify the OAuth2 configuration with one interactive grant",
		Long: `Run the interactive OAuth2 authorization flow once and report the
resulting token lifetimes. Nothing is persisted; upload runs its own grant.
Use this to check the client registration and server reachability before
starting a long batch.`,
		Args: cobra.NoArgs,
		RunE: runLogin,
	}

	addOAuthFlags(cmd)

	return cmd
}

func runLogin(cmd *cobra.Command, _ []string) error {
	cfg := resolvedCfg

	applyOAuthFlags(cmd, cfg)

	if !cfg.OAuth.Enabled() {
		return errors.New("no OAuth2 configuration: set the [oauth] config section or the --oauth-* flags")
	}

	if err := config.ValidateOAuth(&cfg.OAuth); err != nil {
		return err
	}

	httpClient, err := auth.NewHTTPClient(cfg.Server.Cert)
	if err != nil {
		return err
	}

	manager := auth.NewManager(auth.Endpoints{
		AuthorizeURL: cfg.OAuth.AuthorizeURL,
		TokenURL:     cfg.OAuth.TokenURL,
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		RedirectURL:  cfg.OAuth.RedirectURL,
		PKCE:         cfg.OAuth.PKCE,
		Scopes:       cfg.OAuth.Scopes,
	}, httpClient, buildLogger())

	if err := manager.Authorize(cmd.Context(), openBrowser); err != nil {
		return err
	}

	cred := manager.Credential()

	statusf("Authorization succeeded.\n")
	statusf("Access token valid until %s.\n", cred.AccessExpiry().Format(time.RFC1123))

	if cred.RefreshTTL > 0 {
		statusf("Refresh token valid until %s.\n", cred.RefreshExpiry().Format(time.RFC1123))
	}

	return nil
}
