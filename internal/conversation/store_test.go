package conversation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"gwi.com/assistant-chat/internal/client"
)

// fakeAPI is an in-memory backend that counts calls.
type fakeAPI struct {
	mu       sync.Mutex
	convs    []client.Conversation
	messages map[string][]client.Message
	nextID   int
	nextMsg  int64
	answer   string
	failWith error
	calls    map[string]int
	sent     []string
	// gate, when set, blocks GetConversation for the given id until closed.
	gate map[string]chan struct{}
}

func newFakeAPI(convs ...client.Conversation) *fakeAPI {
	return &fakeAPI{
		convs:    convs,
		messages: map[string][]client.Message{},
		answer:   "Hello there",
		calls:    map[string]int{},
		gate:     map[string]chan struct{}{},
	}
}

func (f *fakeAPI) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.failWith
}

func (f *fakeAPI) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeAPI) ListConversations(context.Context) ([]client.Conversation, error) {
	if err := f.record("list"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]client.Conversation(nil), f.convs...), nil
}

func (f *fakeAPI) CreateConversation(_ context.Context, title string) (*client.Conversation, error) {
	if err := f.record("create"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createLocked(title), nil
}

func (f *fakeAPI) createLocked(title string) *client.Conversation {
	f.nextID++
	c := client.Conversation{ID: fmt.Sprintf("srv-%d", f.nextID), Title: title}
	f.convs = append([]client.Conversation{c}, f.convs...)
	return &c
}

func (f *fakeAPI) GetConversation(_ context.Context, id string) (*client.Conversation, []client.Message, error) {
	if err := f.record("get"); err != nil {
		return nil, nil, err
	}
	f.mu.Lock()
	gate := f.gate[id]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.convs {
		if c.ID == id {
			c := c
			return &c, append([]client.Message(nil), f.messages[id]...), nil
		}
	}
	return nil, nil, &client.APIError{Status: 404, Message: "Conversation not found"}
}

func (f *fakeAPI) RenameConversation(_ context.Context, id, title string) error {
	if err := f.record("rename"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.convs {
		if f.convs[i].ID == id {
			f.convs[i].Title = title
			return nil
		}
	}
	return &client.APIError{Status: 404, Message: "Conversation not found"}
}

func (f *fakeAPI) DeleteConversation(_ context.Context, id string) error {
	if err := f.record("delete"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.convs {
		if f.convs[i].ID == id {
			f.convs = append(f.convs[:i], f.convs[i+1:]...)
			delete(f.messages, id)
			return nil
		}
	}
	return &client.APIError{Status: 404, Message: "Conversation not found"}
}

func (f *fakeAPI) SendMessage(_ context.Context, message, conversationID string) (*client.ChatReply, error) {
	if err := f.record("send"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, conversationID)
	if conversationID == "" {
		conversationID = f.createLocked(message).ID
	}
	f.nextMsg++
	user := client.Message{ID: f.nextMsg, Role: client.RoleUser, Content: message}
	f.nextMsg++
	bot := client.Message{ID: f.nextMsg, Role: client.RoleAssistant, Content: f.answer}
	f.messages[conversationID] = append(f.messages[conversationID], user, bot)
	return &client.ChatReply{Answer: f.answer, ConversationID: conversationID}, nil
}

func requireInvariant(t *testing.T, s *Store) {
	t.Helper()
	snap := s.Snapshot()
	if snap.Current == nil {
		return
	}
	for _, c := range snap.Conversations {
		if c.ID == snap.Current.ID {
			return
		}
	}
	t.Fatalf("active conversation %s is not listed", snap.Current.ID)
}

func ids(convs []client.Conversation) []string {
	out := make([]string, 0, len(convs))
	for _, c := range convs {
		out = append(out, c.ID)
	}
	return out
}

func seeded(t *testing.T) (*Store, *fakeAPI) {
	t.Helper()
	api := newFakeAPI(
		client.Conversation{ID: "A", Title: "Alpha"},
		client.Conversation{ID: "B", Title: "Beta"},
	)
	api.messages["A"] = []client.Message{
		{ID: 1, Role: client.RoleUser, Content: "m1"},
		{ID: 2, Role: client.RoleAssistant, Content: "m2"},
	}
	s := NewStore(api)
	ctx := context.Background()
	require.NoError(t, s.FetchConversations(ctx))
	require.NoError(t, s.LoadConversation(ctx, "A"))
	return s, api
}

func TestFetchConversations_ReplacesList(t *testing.T) {
	api := newFakeAPI(client.Conversation{ID: "A"})
	s := NewStore(api)
	ctx := context.Background()

	require.NoError(t, s.FetchConversations(ctx))
	require.Equal(t, []string{"A"}, ids(s.Snapshot().Conversations))

	api.convs = []client.Conversation{{ID: "C"}, {ID: "B"}}
	require.NoError(t, s.FetchConversations(ctx))
	require.Equal(t, []string{"C", "B"}, ids(s.Snapshot().Conversations))
}

func TestFetchConversations_DropsVanishedActive(t *testing.T) {
	s, api := seeded(t)
	api.convs = api.convs[1:]

	require.NoError(t, s.FetchConversations(context.Background()))
	snap := s.Snapshot()
	require.Nil(t, snap.Current)
	require.Empty(t, snap.Messages)
	requireInvariant(t, s)
}

func TestCreateConversation(t *testing.T) {
	s, _ := seeded(t)

	conv, err := s.CreateConversation(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, client.DefaultConversationTitle, conv.Title)

	snap := s.Snapshot()
	require.Equal(t, []string{conv.ID, "A", "B"}, ids(snap.Conversations))
	require.Equal(t, conv.ID, snap.Current.ID)
	require.Empty(t, snap.Messages)
	requireInvariant(t, s)
}

func TestCreateConversation_FailureLeavesState(t *testing.T) {
	s, api := seeded(t)
	before := s.Snapshot()
	api.failWith = errors.Wrap(client.ErrTransient, "boom")

	_, err := s.CreateConversation(context.Background(), "Trip")
	require.ErrorIs(t, err, client.ErrTransient)
	require.Equal(t, before, s.Snapshot())
}

func TestLoadConversation(t *testing.T) {
	s, _ := seeded(t)
	snap := s.Snapshot()
	require.Equal(t, "A", snap.Current.ID)
	require.Len(t, snap.Messages, 2)
	require.False(t, snap.IsLoading)
	requireInvariant(t, s)
}

func TestLoadConversation_FailureKeepsPriorState(t *testing.T) {
	s, _ := seeded(t)
	before := s.Snapshot()

	err := s.LoadConversation(context.Background(), "missing")
	require.ErrorIs(t, err, client.ErrNotFound)

	after := s.Snapshot()
	require.Equal(t, before, after)
	require.False(t, after.IsLoading)
}

func TestLoadConversation_ReportsLoading(t *testing.T) {
	s, _ := seeded(t)
	var sawLoading bool
	s.OnChange(func(snap Snapshot) {
		if snap.IsLoading {
			sawLoading = true
		}
	})
	require.NoError(t, s.LoadConversation(context.Background(), "B"))
	require.True(t, sawLoading)
	require.False(t, s.Snapshot().IsLoading)
}

// raceLoads issues a load of A that resolves after a later load of B.
func raceLoads(t *testing.T, s *Store, api *fakeAPI) {
	t.Helper()
	gate := make(chan struct{})
	api.mu.Lock()
	api.gate["A"] = gate
	api.mu.Unlock()

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- s.LoadConversation(ctx, "A") }()

	require.Eventually(t, func() bool { return api.count("get") >= 1 }, time.Second, time.Millisecond)
	require.NoError(t, s.LoadConversation(ctx, "B"))
	close(gate)
	require.NoError(t, <-done)
}

func TestLoadConversation_LastResolvedWins(t *testing.T) {
	api := newFakeAPI(client.Conversation{ID: "A"}, client.Conversation{ID: "B"})
	s := NewStore(api)
	require.NoError(t, s.FetchConversations(context.Background()))

	raceLoads(t, s, api)
	require.Equal(t, "A", s.Snapshot().Current.ID)
	require.False(t, s.Snapshot().IsLoading)
}

func TestLoadConversation_SequencingDropsStale(t *testing.T) {
	api := newFakeAPI(client.Conversation{ID: "A"}, client.Conversation{ID: "B"})
	s := NewStore(api, WithLoadSequencing())
	require.NoError(t, s.FetchConversations(context.Background()))

	raceLoads(t, s, api)
	require.Equal(t, "B", s.Snapshot().Current.ID)
	require.False(t, s.Snapshot().IsLoading)
}

func TestRenameConversation(t *testing.T) {
	s, _ := seeded(t)

	require.NoError(t, s.RenameConversation(context.Background(), "A", "  Renamed  "))
	snap := s.Snapshot()
	require.Equal(t, "Renamed", snap.Conversations[0].Title)
	require.Equal(t, "Renamed", snap.Current.Title)
}

func TestRenameConversation_RejectsBlankWithoutNetwork(t *testing.T) {
	s, api := seeded(t)
	before := s.Snapshot()

	err := s.RenameConversation(context.Background(), "A", "   ")
	require.ErrorIs(t, err, client.ErrValidation)
	require.Zero(t, api.count("rename"))
	require.Equal(t, before, s.Snapshot())
}

func TestRenameConversation_RemoteFailureNoLocalChange(t *testing.T) {
	s, api := seeded(t)
	before := s.Snapshot()

	api.mu.Lock()
	api.convs = api.convs[:1]
	api.mu.Unlock()

	err := s.RenameConversation(context.Background(), "B", "x")
	require.True(t, client.IsConflictOrNotFound(err))
	require.Equal(t, before, s.Snapshot())
}

func TestDeleteActiveConversation(t *testing.T) {
	s, _ := seeded(t)

	require.NoError(t, s.DeleteConversation(context.Background(), "A"))
	snap := s.Snapshot()
	require.Equal(t, []string{"B"}, ids(snap.Conversations))
	require.Nil(t, snap.Current)
	require.Empty(t, snap.Messages)
	requireInvariant(t, s)
}

func TestDeleteInactiveConversation(t *testing.T) {
	s, _ := seeded(t)

	require.NoError(t, s.DeleteConversation(context.Background(), "B"))
	snap := s.Snapshot()
	require.Equal(t, []string{"A"}, ids(snap.Conversations))
	require.Equal(t, "A", snap.Current.ID)
	require.Len(t, snap.Messages, 2)
}

func TestDeleteConversation_FailureKeepsEntry(t *testing.T) {
	s, api := seeded(t)
	api.failWith = &client.APIError{Status: 500, Message: "db down"}

	err := s.DeleteConversation(context.Background(), "A")
	require.ErrorIs(t, err, client.ErrTransient)
	require.Equal(t, []string{"A", "B"}, ids(s.Snapshot().Conversations))
}

func TestSendMessage_FirstMessageBootstrap(t *testing.T) {
	api := newFakeAPI()
	s := NewStore(api)
	ctx := context.Background()
	require.NoError(t, s.FetchConversations(ctx))
	listsBefore := api.count("list")

	answer, err := s.SendMessage(ctx, "hi", "")
	require.NoError(t, err)
	require.Equal(t, "Hello there", answer)

	require.Equal(t, []string{""}, api.sent)
	require.Equal(t, 1, api.count("list")-listsBefore)
	require.Equal(t, 1, api.count("get"))

	snap := s.Snapshot()
	require.NotNil(t, snap.Current)
	require.Equal(t, api.messages[snap.Current.ID], snap.Messages)
	requireInvariant(t, s)
}

func TestSendMessage_OptimisticAppend(t *testing.T) {
	api := newFakeAPI(client.Conversation{ID: "A"})
	api.messages["A"] = []client.Message{{ID: 1, Role: client.RoleUser, Content: "m1"}}
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore(api, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()
	require.NoError(t, s.FetchConversations(ctx))
	require.NoError(t, s.LoadConversation(ctx, "A"))
	getsBefore := api.count("get")

	answer, err := s.SendMessage(ctx, "hi", "")
	require.NoError(t, err)
	require.Equal(t, "Hello there", answer)
	require.Equal(t, []string{"A"}, api.sent)
	require.Equal(t, getsBefore, api.count("get"))

	msgs := s.Snapshot().Messages
	require.Len(t, msgs, 3)
	require.Equal(t, "m1", msgs[0].Content)
	require.Equal(t, client.RoleUser, msgs[1].Role)
	require.Equal(t, "hi", msgs[1].Content)
	require.Equal(t, client.RoleAssistant, msgs[2].Role)
	require.Equal(t, "Hello there", msgs[2].Content)
	require.NotEqual(t, msgs[1].ID, msgs[2].ID)
	require.Equal(t, fixed, msgs[1].CreatedAt)
}

func TestSendMessage_RapidSendsKeepDistinctIDs(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	api := newFakeAPI(client.Conversation{ID: "A"})
	s := NewStore(api, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()
	require.NoError(t, s.LoadConversation(ctx, "A"))

	for i := 0; i < 5; i++ {
		_, err := s.SendMessage(ctx, "again", "")
		require.NoError(t, err)
	}

	seen := map[int64]bool{}
	for _, m := range s.Snapshot().Messages {
		require.False(t, seen[m.ID], "duplicate id %d", m.ID)
		seen[m.ID] = true
	}
	require.Len(t, seen, 10)
}

func TestSendMessage_ExplicitInactiveTarget(t *testing.T) {
	s, api := seeded(t)
	before := s.Snapshot()

	_, err := s.SendMessage(context.Background(), "to B", "B")
	require.NoError(t, err)
	require.Equal(t, []string{"B"}, api.sent)
	require.Equal(t, before.Messages, s.Snapshot().Messages)
}

func TestSendMessage_FailureNoPhantomMessage(t *testing.T) {
	s, api := seeded(t)
	before := s.Snapshot()
	api.failWith = errors.Wrap(client.ErrTransient, "timeout")

	_, err := s.SendMessage(context.Background(), "hi", "")
	require.ErrorIs(t, err, client.ErrTransient)
	require.Equal(t, before, s.Snapshot())
}

func TestClearCurrentConversation(t *testing.T) {
	s, _ := seeded(t)

	s.ClearCurrentConversation()
	snap := s.Snapshot()
	require.Nil(t, snap.Current)
	require.Empty(t, snap.Messages)
	require.Equal(t, []string{"A", "B"}, ids(snap.Conversations))
	requireInvariant(t, s)
}
