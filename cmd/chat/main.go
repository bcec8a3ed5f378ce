package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"gwi.com/assistant-chat/internal/client"
	"gwi.com/assistant-chat/internal/config"
	"gwi.com/assistant-chat/internal/conversation"
	"gwi.com/assistant-chat/internal/credstore"
	"gwi.com/assistant-chat/internal/session"
)

var errNotSignedIn = errors.New("not signed in, run `chat login` first")

// app is the per-invocation wiring shared by every sub-command.
type app struct {
	cfg           *config.Client
	creds         credstore.Store
	api           *client.Client
	session       *session.Manager
	conversations *conversation.Store
}

func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := config.LoadClient()
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(config.ParseLogLevel(cfg.LogLevel))

	creds, err := credstore.Open(cfg.CredentialStore, cfg.CredentialPath)
	if err != nil {
		return nil, errors.Wrap(err, "open credential store")
	}

	api, err := client.New(cfg.APIBaseURL,
		client.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
		client.WithUserAgent("assistant-chat-cli"),
	)
	if err != nil {
		creds.Close()
		return nil, err
	}

	if kind := cfg.StrategyKind(); kind != session.StrategyBackendToken {
		log.Warn().Str("strategy", string(kind)).Msg("Terminal has no popup provider, using backend-token sign-in")
	}
	nav := session.NavigatorFunc(func(_ context.Context, target string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Open this URL in your browser to sign in:")
		fmt.Fprintln(out, target)
		fmt.Fprintln(out, "Then run: chat login --callback '<the URL you were redirected to>'")
		return nil
	})
	mgr := session.NewManager(api, session.NewBackendToken(api, nav), creds)
	api.SetTokenSource(mgr)

	var opts []conversation.Option
	if cfg.LoadSequencing {
		opts = append(opts, conversation.WithLoadSequencing())
	}

	return &app{
		cfg:           cfg,
		creds:         creds,
		api:           api,
		session:       mgr,
		conversations: conversation.NewStore(api, opts...),
	}, nil
}

func (a *app) Close() error {
	return a.creds.Close()
}

// requireSession bootstraps and fails unless a user is signed in.
func (a *app) requireSession(ctx context.Context) error {
	if err := a.session.Bootstrap(ctx, nil); err != nil {
		return err
	}
	if !a.session.Snapshot().IsAuthenticated {
		return errNotSignedIn
	}
	return nil
}

// withApp builds the app around a command body and tears it down afterwards.
func withApp(run func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return run(cmd.Context(), cmd, a, args)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chat",
		Short:         "Talk to the assistant from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newLoginCmd(),
		newLogoutCmd(),
		newWhoamiCmd(),
		newListCmd(),
		newNewCmd(),
		newOpenCmd(),
		newRenameCmd(),
		newDeleteCmd(),
		newSendCmd(),
	)
	return root
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func parseCallback(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrap(err, "parse callback URL")
	}
	q := u.Query()
	if q.Get(session.CallbackTokenParam) == "" && q.Get(session.CallbackErrorParam) == "" {
		return nil, errors.Errorf("callback URL carries neither %q nor %q", session.CallbackTokenParam, session.CallbackErrorParam)
	}
	return u, nil
}
