package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"gwi.com/assistant-chat/internal/client"
	"gwi.com/assistant-chat/internal/session"
)

func newLoginCmd() *cobra.Command {
	var callback string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with Google",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
			out := cmd.OutOrStdout()
			if callback != "" {
				landing, err := parseCallback(callback)
				if err != nil {
					return err
				}
				if reason := landing.Query().Get(session.CallbackErrorParam); reason != "" {
					return errors.Errorf("sign-in was rejected: %s", reason)
				}
				if err := a.session.Bootstrap(ctx, landing); err != nil {
					return err
				}
				snap := a.session.Snapshot()
				if !snap.IsAuthenticated {
					return errors.New("the backend did not accept the sign-in token")
				}
				fmt.Fprintf(out, "Signed in as %s\n", snap.User.DisplayName())
				return nil
			}

			if err := a.session.Bootstrap(ctx, nil); err != nil {
				return err
			}
			if snap := a.session.Snapshot(); snap.IsAuthenticated {
				fmt.Fprintf(out, "Already signed in as %s\n", snap.User.DisplayName())
				return nil
			}
			_, err := a.session.SignIn(ctx)
			return err
		}),
	}
	cmd.Flags().StringVar(&callback, "callback", "", "URL the browser was redirected to after signing in")
	return cmd
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored credential",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
			if err := a.session.Bootstrap(ctx, nil); err != nil {
				return err
			}
			if err := a.session.Logout(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Signed out")
			return nil
		}),
	}
}

func newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
			if err := a.requireSession(ctx); err != nil {
				return err
			}
			if err := a.session.RefreshUser(ctx); err != nil {
				return err
			}
			u := a.session.Snapshot().User
			fmt.Fprintf(cmd.OutOrStdout(), "%s <%s>\n", u.DisplayName(), u.Email)
			return nil
		}),
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recent first",
		Args:  cobra.NoArgs,
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, _ []string) error {
			if err := a.requireSession(ctx); err != nil {
				return err
			}
			if err := a.conversations.FetchConversations(ctx); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			convs := a.conversations.Snapshot().Conversations
			if len(convs) == 0 {
				fmt.Fprintln(out, "No conversations yet")
				return nil
			}
			for _, c := range convs {
				fmt.Fprintf(out, "%s  %s  %s\n", c.ID, c.UpdatedAt.Local().Format(time.DateTime), c.Title)
			}
			return nil
		}),
	}
}

func newNewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new [title]",
		Short: "Create an empty conversation",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			if err := a.requireSession(ctx); err != nil {
				return err
			}
			title := strings.Join(args, " ")
			conv, err := a.conversations.CreateConversation(ctx, title)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s\n", conv.ID, conv.Title)
			return nil
		}),
	}
}

func newOpenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open ID",
		Short: "Print a conversation transcript",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			if err := a.requireSession(ctx); err != nil {
				return err
			}
			if err := a.conversations.LoadConversation(ctx, args[0]); err != nil {
				return err
			}
			snap := a.conversations.Snapshot()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "# %s\n\n", snap.Current.Title)
			printTranscript(out, snap.Messages)
			return nil
		}),
	}
}

func newRenameCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rename ID TITLE",
		Short: "Rename a conversation",
		Args:  cobra.MinimumNArgs(2),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			if err := a.requireSession(ctx); err != nil {
				return err
			}
			title := strings.Join(args[1:], " ")
			if err := a.conversations.RenameConversation(ctx, args[0], title); err != nil {
				if client.IsConflictOrNotFound(err) {
					return errors.Errorf("conversation %s no longer exists", args[0])
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Renamed")
			return nil
		}),
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			if err := a.requireSession(ctx); err != nil {
				return err
			}
			if err := a.conversations.DeleteConversation(ctx, args[0]); err != nil {
				if client.IsConflictOrNotFound(err) {
					return errors.Errorf("conversation %s no longer exists", args[0])
				}
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Deleted")
			return nil
		}),
	}
}

func newSendCmd() *cobra.Command {
	var conversationID string
	cmd := &cobra.Command{
		Use:   "send TEXT",
		Short: "Send a message; without --conversation a new conversation is started",
		Args:  cobra.MinimumNArgs(1),
		RunE: withApp(func(ctx context.Context, cmd *cobra.Command, a *app, args []string) error {
			if err := a.requireSession(ctx); err != nil {
				return err
			}
			text := strings.TrimSpace(strings.Join(args, " "))
			if text == "" {
				return errors.Wrap(client.ErrValidation, "message cannot be empty")
			}

			answer, err := a.conversations.SendMessage(ctx, text, conversationID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if conversationID == "" {
				if cur := a.conversations.Snapshot().Current; cur != nil {
					fmt.Fprintf(out, "[%s] %s\n\n", cur.ID, cur.Title)
				}
			}
			fmt.Fprintln(out, answer)
			return nil
		}),
	}
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "conversation to post into")
	return cmd
}

func printTranscript(out io.Writer, messages []client.Message) {
	if len(messages) == 0 {
		fmt.Fprintln(out, "(no messages)")
		return
	}
	for _, m := range messages {
		who := "you"
		if m.Role == client.RoleAssistant {
			who = "assistant"
		}
		fmt.Fprintf(out, "%s:\n%s\n\n", who, m.Content)
	}
}
