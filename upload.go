package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/healthterms/termpush/internal/auth"
	"github.com/healthterms/termpush/internal/config"
	"github.com/healthterms/termpush/internal/fhir"
	"github.com/healthterms/termpush/internal/journal"
	"github.com/healthterms/termpush/internal/loader"
	"github.com/healthterms/termpush/internal/uploader"
)

// defaultEditor is used when neither config nor $EDITOR name one.
const defaultEditor = "vi"

// Upload command flags, bound in newUploadCmd().
var (
	flagAuthCredential    string
	flagAuthType          string
	flagOAuthAuthorize    string
	flagOAuthToken        string
	flagOAuthClientID     string
	flagOAuthClientSecret string
	flagOAuthRedirect     string
	flagOAuthPKCE         bool
	flagOAuthScopes       []string
	flagCert              string
	flagPatchDir          string
	flagInputDirectory    string
	flagMaxTries          int
	flagJournalPath       string
	flagEditor            string
)

func newUploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload [files...]",
		Short: "Upload terminology resources to the server",
		Long: `Upload terminology resources from the given files and/or --input-directory.

Resources are uploaded in dependency order: naming systems, code systems,
value sets, concept maps. Failed uploads offer an interactive choice of
ignore, retry, or edit; value set uploads are verified by expanding them
server-side after upload.`,
		RunE: runUpload,
	}

	cmd.Flags().StringVar(&flagAuthCredential, "authentication-credential", "", "static credential for the Authorization header")
	cmd.Flags().StringVar(&flagAuthType, "authentication-type", "", "static credential scheme: Bearer or Basic")
	addOAuthFlags(cmd)
	cmd.Flags().StringVar(&flagPatchDir, "patch-dir", "", "directory for per-revision patch artifacts")
	cmd.Flags().StringVar(&flagInputDirectory, "input-directory", "", "directory of resource files to upload")
	cmd.Flags().IntVar(&flagMaxTries, "max-tries", 0, "upload attempt ceiling per resource")
	cmd.Flags().StringVar(&flagJournalPath, "journal", "", "SQLite upload journal path")
	cmd.Flags().StringVar(&flagEditor, "editor", "", "editor command for the edit action")

	return cmd
}

func runUpload(cmd *cobra.Command, args []string) error {
	logger := buildLogger()
	cfg := resolvedCfg

	applyUploadFlags(cmd, cfg)

	if err := config.Validate(cfg); err != nil {
		return err
	}

	if len(args) == 0 && flagInputDirectory == "" {
		_ = cmd.Usage()

		return errors.New("no input: provide resource files or --input-directory")
	}

	resources, err := loader.Load(args, flagInputDirectory, logger)
	if err != nil {
		return err
	}

	httpClient, err := auth.NewHTTPClient(cfg.Server.Cert)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	authorizer, manager, err := buildAuthorizer(ctx, cfg, httpClient, logger)
	if err != nil {
		return err
	}

	client := fhir.NewClient(cfg.Server.Endpoint, httpClient, authorizer, logger,
		fhir.WithRateLimit(cfg.Server.RateLimit))

	editor := &uploader.Editor{
		Command:  editorCommand(cfg),
		PatchDir: cfg.Upload.PatchDir,
		Logger:   logger,
	}

	opts := []uploader.MachineOption{uploader.WithMaxTries(cfg.Upload.MaxTries)}

	if manager != nil {
		opts = append(opts, uploader.WithReauth(func(ctx context.Context) error {
			return manager.Authorize(ctx, openBrowser)
		}))
	}

	if cfg.Journal.Path != "" {
		jrnl, jerr := journal.Open(cfg.Journal.Path, logger)
		if jerr != nil {
			return jerr
		}

		defer jrnl.Close()

		opts = append(opts, uploader.WithJournal(jrnl))
	}

	machine := uploader.NewMachine(client, uploader.NewTerminalPrompter(logger), editor, logger, opts...)
	sequencer := uploader.NewSequencer(machine, logger)

	statusf("Uploading %d resources to %s...\n", len(resources), client.Endpoint())

	summary, err := sequencer.Run(ctx, resources)
	if err != nil {
		return err
	}

	statusf("Done: %d succeeded, %d abandoned.\n", len(summary.Succeeded), len(summary.Abandoned))

	for _, file := range summary.Abandoned {
		logger.Warn("resource was abandoned", slog.String("file", file))
	}

	// Abandonment is an operator decision, not a batch failure.
	return nil
}

// addOAuthFlags registers the OAuth2 client flags shared by upload and
// login.
func addOAuthFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flagOAuthAuthorize, "oauth-authorize", "", "OAuth2 authorization endpoint URL")
	cmd.Flags().StringVar(&flagOAuthToken, "oauth-token", "", "OAuth2 token endpoint URL")
	cmd.Flags().StringVar(&flagOAuthClientID, "oauth-client-id", "", "OAuth2 client id")
	cmd.Flags().StringVar(&flagOAuthClientSecret, "oauth-client-secret", "", "OAuth2 client secret")
	cmd.Flags().StringVar(&flagOAuthRedirect, "oauth-redirect", "", "OAuth2 redirect URL (localhost)")
	cmd.Flags().BoolVar(&flagOAuthPKCE, "oauth-pkce", false, "use PKCE for the authorization code exchange")
	cmd.Flags().StringSliceVar(&flagOAuthScopes, "oauth-scope", nil, "OAuth2 scope (repeatable)")
	cmd.Flags().StringVar(&flagCert, "cert", "", "mutual-TLS client certificate PEM file (cert + key)")
}

// applyOAuthFlags layers the OAuth2 and certificate flags over the resolved
// config.
func applyOAuthFlags(cmd *cobra.Command, cfg *config.Config) {
	if flagOAuthAuthorize != "" {
		cfg.OAuth.AuthorizeURL = flagOAuthAuthorize
	}

	if flagOAuthToken != "" {
		cfg.OAuth.TokenURL = flagOAuthToken
	}

	if flagOAuthClientID != "" {
		cfg.OAuth.ClientID = flagOAuthClientID
	}

	if flagOAuthClientSecret != "" {
		cfg.OAuth.ClientSecret = flagOAuthClientSecret
	}

	if flagOAuthRedirect != "" {
		cfg.OAuth.RedirectURL = flagOAuthRedirect
	}

	if cmd.Flags().Changed("oauth-pkce") {
		cfg.OAuth.PKCE = flagOAuthPKCE
	}

	if len(flagOAuthScopes) > 0 {
		cfg.OAuth.Scopes = flagOAuthScopes
	}

	if flagCert != "" {
		cfg.Server.Cert = flagCert
	}
}

// applyUploadFlags layers the upload command's flags over the resolved
// config. Only flags the user actually set override the file and
// environment layers.
func applyUploadFlags(cmd *cobra.Command, cfg *config.Config) {
	if flagAuthCredential != "" {
		cfg.Auth.Credential = flagAuthCredential
	}

	if flagAuthType != "" {
		cfg.Auth.Type = flagAuthType
	}

	applyOAuthFlags(cmd, cfg)

	if flagPatchDir != "" {
		cfg.Upload.PatchDir = flagPatchDir
	}

	if flagMaxTries > 0 {
		cfg.Upload.MaxTries = flagMaxTries
	}

	if flagJournalPath != "" {
		cfg.Journal.Path = flagJournalPath
	}

	if flagEditor != "" {
		cfg.Upload.Editor = flagEditor
	}
}

// buildAuthorizer constructs the request authorizer. With OAuth2 configured
// the interactive grant runs up front so the batch starts with a fresh
// credential; the returned manager also serves as the re-auth hook.
func buildAuthorizer(ctx context.Context, cfg *config.Config, httpClient *http.Client, logger *slog.Logger) (fhir.Authorizer, *auth.Manager, error) {
	if cfg.OAuth.Enabled() {
		manager := auth.NewManager(auth.Endpoints{
			AuthorizeURL: cfg.OAuth.AuthorizeURL,
			TokenURL:     cfg.OAuth.TokenURL,
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			RedirectURL:  cfg.OAuth.RedirectURL,
			PKCE:         cfg.OAuth.PKCE,
			Scopes:       cfg.OAuth.Scopes,
		}, httpClient, logger)

		if err := manager.Authorize(ctx, openBrowser); err != nil {
			return nil, nil, fmt.Errorf("initial authorization failed: %w", err)
		}

		return manager, manager, nil
	}

	if cfg.Auth.Credential != "" {
		return &auth.Static{Scheme: cfg.Auth.Type, Credential: cfg.Auth.Credential}, nil, nil
	}

	return nil, nil, nil
}

// editorCommand picks the editor for the edit action.
func editorCommand(cfg *config.Config) string {
	if cfg.Upload.Editor != "" {
		return cfg.Upload.Editor
	}

	return defaultEditor
}
