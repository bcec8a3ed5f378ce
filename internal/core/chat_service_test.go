package core

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"gwi.com/assistant-chat/internal/auth"
	"gwi.com/assistant-chat/internal/store"
)

type fakeResponder struct {
	mu       sync.Mutex
	title    string
	titleErr error
	replyErr error
	// titleGate, when set, holds Title until closed.
	titleGate chan struct{}
	histories [][]store.Message
}

func (f *fakeResponder) Reply(_ context.Context, history []store.Message, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histories = append(f.histories, history)
	if f.replyErr != nil {
		return "", f.replyErr
	}
	return "echo: " + prompt, nil
}

func (f *fakeResponder) Title(context.Context, string) (string, error) {
	if f.titleGate != nil {
		<-f.titleGate
	}
	return f.title, f.titleErr
}

func newService(t *testing.T, llm Responder) (*ChatService, *store.SQLiteStore, *store.User) {
	t.Helper()
	repo, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	svc := NewChatService(repo, llm, 10)
	user, err := svc.SignInGoogle(context.Background(), &auth.Identity{GoogleID: "g-1", Email: "han@example.com", Name: "Han"})
	require.NoError(t, err)
	return svc, repo, user
}

func TestDeriveTitle(t *testing.T) {
	require.Equal(t, "Hello", DeriveTitle("  Hello  "))
	require.Equal(t, DefaultTitle, DeriveTitle("   "))

	long := strings.Repeat("a", 60)
	require.Equal(t, strings.Repeat("a", 50)+"...", DeriveTitle(long))
	require.Equal(t, strings.Repeat("a", 50), DeriveTitle(strings.Repeat("a", 50)))

	accented := strings.Repeat("é", 51)
	require.Equal(t, strings.Repeat("é", 50)+"...", DeriveTitle(accented))
}

func TestAnswer_CreatesConversationAndGeneratesTitle(t *testing.T) {
	llm := &fakeResponder{title: `"Trip Planning"`}
	svc, _, user := newService(t, llm)
	ctx := context.Background()

	answer, convID, err := svc.Answer(ctx, user.ID, "", "Help me plan a trip to Naboo")
	require.NoError(t, err)
	require.Equal(t, "echo: Help me plan a trip to Naboo", answer)
	require.NotEmpty(t, convID)

	svc.Wait()
	conv, msgs, err := svc.GetConversation(ctx, convID, user.ID)
	require.NoError(t, err)
	require.Equal(t, "Trip Planning", conv.Title)
	require.Len(t, msgs, 2)
	require.Equal(t, store.RoleUser, msgs[0].Role)
	require.Equal(t, store.RoleAssistant, msgs[1].Role)
}

func TestAnswer_TitleGenerationKeepsUserRename(t *testing.T) {
	llm := &fakeResponder{title: "Generated", titleGate: make(chan struct{})}
	svc, _, user := newService(t, llm)
	ctx := context.Background()

	_, convID, err := svc.Answer(ctx, user.ID, "", "hello")
	require.NoError(t, err)

	_, err = svc.RenameConversation(ctx, convID, user.ID, "Mine")
	require.NoError(t, err)
	close(llm.titleGate)
	svc.Wait()

	conv, _, err := svc.GetConversation(ctx, convID, user.ID)
	require.NoError(t, err)
	require.Equal(t, "Mine", conv.Title)
}

func TestAnswer_StaticResponderKeepsDerivedTitle(t *testing.T) {
	svc, _, user := newService(t, StaticResponder{})
	ctx := context.Background()

	answer, convID, err := svc.Answer(ctx, user.ID, "", "What is the airspeed of an unladen swallow, African or European?")
	require.NoError(t, err)
	require.Equal(t, NotConfiguredAnswer, answer)
	svc.Wait()

	conv, _, err := svc.GetConversation(ctx, convID, user.ID)
	require.NoError(t, err)
	require.Equal(t, "What is the airspeed of an unladen swallow, Africa...", conv.Title)
}

func TestAnswer_ExistingConversationUsesHistory(t *testing.T) {
	llm := &fakeResponder{titleErr: ErrNoTitle}
	svc, _, user := newService(t, llm)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, user.ID, "")
	require.NoError(t, err)
	require.Equal(t, DefaultTitle, conv.Title)

	_, id, err := svc.Answer(ctx, user.ID, conv.ID, "first")
	require.NoError(t, err)
	require.Equal(t, conv.ID, id)
	_, _, err = svc.Answer(ctx, user.ID, conv.ID, "second")
	require.NoError(t, err)

	require.Empty(t, llm.histories[0])
	require.Len(t, llm.histories[1], 2)
	require.Equal(t, "first", llm.histories[1][0].Content)
}

func TestAnswer_Errors(t *testing.T) {
	llm := &fakeResponder{replyErr: errors.New("quota exceeded")}
	svc, _, user := newService(t, llm)
	ctx := context.Background()

	_, _, err := svc.Answer(ctx, user.ID, "", "   ")
	require.ErrorIs(t, err, ErrEmptyMessage)

	_, _, err = svc.Answer(ctx, user.ID, "missing", "hi")
	require.ErrorIs(t, err, store.ErrNotFound)

	conv, err := svc.CreateConversation(ctx, user.ID, "x")
	require.NoError(t, err)
	answer, _, err := svc.Answer(ctx, user.ID, conv.ID, "hi")
	require.NoError(t, err)
	require.Equal(t, replyFailedAnswer, answer)
}

func TestRenameConversation_RejectsBlank(t *testing.T) {
	svc, _, user := newService(t, StaticResponder{})
	ctx := context.Background()
	conv, err := svc.CreateConversation(ctx, user.ID, "x")
	require.NoError(t, err)

	_, err = svc.RenameConversation(ctx, conv.ID, user.ID, "  ")
	require.ErrorIs(t, err, ErrEmptyTitle)
}
