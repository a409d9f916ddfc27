package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/erikscolaro/ironlink/internal/auth"
	"github.com/erikscolaro/ironlink/internal/domain"
	"github.com/erikscolaro/ironlink/internal/logging"
	"github.com/erikscolaro/ironlink/internal/store"
	"github.com/erikscolaro/ironlink/internal/ws"
)

// memStore is an in-memory Store for handler tests.
type memStore struct {
	mu          sync.Mutex
	users       map[int64]domain.User
	chats       map[int64]domain.Chat
	memberships map[[2]int64]domain.Membership // (user, chat)
	invitations map[uuid.UUID]domain.Invitation
	messages    []domain.Message
	nextUser    int64
	nextChat    int64
}

func newMemStore() *memStore {
	return &memStore{
		users:       make(map[int64]domain.User),
		chats:       make(map[int64]domain.Chat),
		memberships: make(map[[2]int64]domain.Membership),
		invitations: make(map[uuid.UUID]domain.Invitation),
	}
}

func (m *memStore) CreateUser(_ context.Context, username, hash string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			return domain.User{}, store.ErrDuplicate
		}
	}
	m.nextUser++
	u := domain.User{ID: m.nextUser, Username: username, PasswordHash: hash, CreatedAt: time.Now().UTC()}
	m.users[u.ID] = u
	return u, nil
}

func (m *memStore) UserByUsername(_ context.Context, username string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			return u, nil
		}
	}
	return domain.User{}, store.ErrNotFound
}

func (m *memStore) UserByID(_ context.Context, id int64) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return domain.User{}, store.ErrNotFound
	}
	return u, nil
}

func (m *memStore) CreateChat(_ context.Context, name, description string, isGroup bool, creator int64) (domain.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextChat++
	c := domain.Chat{ID: m.nextChat, Name: name, Description: description, IsGroup: isGroup, CreatedAt: time.Now().UTC()}
	m.chats[c.ID] = c
	m.memberships[[2]int64{creator, c.ID}] = domain.Membership{
		UserID: creator, ChatID: c.ID, Role: domain.RoleOwner, VisibleFrom: c.CreatedAt,
	}
	return c, nil
}

func (m *memStore) ChatByID(_ context.Context, id int64) (domain.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chats[id]
	if !ok {
		return domain.Chat{}, store.ErrNotFound
	}
	return c, nil
}

func (m *memStore) ChatsForUser(_ context.Context, userID int64) ([]domain.Chat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var chats []domain.Chat
	for key, mem := range m.memberships {
		if mem.UserID == userID {
			chats = append(chats, m.chats[key[1]])
		}
	}
	return chats, nil
}

func (m *memStore) MembershipFor(_ context.Context, userID, chatID int64) (domain.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.memberships[[2]int64{userID, chatID}]
	if !ok {
		return domain.Membership{}, store.ErrNotFound
	}
	return mem, nil
}

func (m *memStore) IsMember(_ context.Context, userID, chatID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.memberships[[2]int64{userID, chatID}]
	return ok, nil
}

func (m *memStore) RemoveMember(_ context.Context, userID, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]int64{userID, chatID}
	if _, ok := m.memberships[key]; !ok {
		return store.ErrNotFound
	}
	delete(m.memberships, key)
	return nil
}

func (m *memStore) MessagesForChat(_ context.Context, chatID, userID int64, _ time.Time, _ int) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mem, ok := m.memberships[[2]int64{userID, chatID}]
	if !ok {
		return nil, nil
	}
	var out []domain.Message
	for _, msg := range m.messages {
		if msg.ChatID == chatID && !msg.CreatedAt.Before(mem.VisibleFrom) {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memStore) CreateInvitation(_ context.Context, chatID, inviterID, inviteeID int64) (domain.Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv := domain.Invitation{
		ID: uuid.New(), ChatID: chatID, InviterID: inviterID, InviteeID: inviteeID,
		State: domain.InvitePending, CreatedAt: time.Now().UTC(),
	}
	m.invitations[inv.ID] = inv
	return inv, nil
}

func (m *memStore) InvitationByID(_ context.Context, id uuid.UUID) (domain.Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invitations[id]
	if !ok {
		return domain.Invitation{}, store.ErrNotFound
	}
	return inv, nil
}

func (m *memStore) PendingInvitationsFor(_ context.Context, inviteeID int64) ([]domain.Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Invitation
	for _, inv := range m.invitations {
		if inv.InviteeID == inviteeID && inv.State == domain.InvitePending {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (m *memStore) HasPendingInvitation(_ context.Context, chatID, inviteeID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inv := range m.invitations {
		if inv.ChatID == chatID && inv.InviteeID == inviteeID && inv.State == domain.InvitePending {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) AcceptInvitation(_ context.Context, id uuid.UUID, now time.Time) (domain.Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invitations[id]
	if !ok || inv.State != domain.InvitePending {
		return domain.Invitation{}, store.ErrNotFound
	}
	inv.State = domain.InviteAccepted
	m.invitations[id] = inv
	m.memberships[[2]int64{inv.InviteeID, inv.ChatID}] = domain.Membership{
		UserID: inv.InviteeID, ChatID: inv.ChatID, Role: domain.RoleMember, VisibleFrom: now,
	}
	return inv, nil
}

func (m *memStore) DeclineInvitation(_ context.Context, id uuid.UUID) (domain.Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invitations[id]
	if !ok || inv.State != domain.InvitePending {
		return domain.Invitation{}, store.ErrNotFound
	}
	inv.State = domain.InviteDeclined
	m.invitations[id] = inv
	return inv, nil
}

type fixture struct {
	mux      *http.ServeMux
	store    *memStore
	presence *ws.PresenceRegistry
	jwt      *auth.JWTManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := newMemStore()
	presence := ws.NewPresenceRegistry()
	jwt := auth.NewJWTManager("test-secret", time.Hour)
	h := NewHandlers(st, presence, jwt, logging.New("error", "json"))
	mux := http.NewServeMux()
	h.Register(mux)
	return &fixture{mux: mux, store: st, presence: presence, jwt: jwt}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	r := httptest.NewRequest(method, path, &buf)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.mux.ServeHTTP(w, r)
	return w
}

func (f *fixture) registerUser(t *testing.T, username string) (domain.User, string) {
	t.Helper()
	w := f.do(t, "POST", "/auth/register", "", map[string]string{
		"username": username, "password": "hunter2secure",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register %s: status %d: %s", username, w.Code, w.Body)
	}
	var resp struct {
		Token string      `json:"token"`
		User  domain.User `json:"user"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	return resp.User, resp.Token
}

func TestRegisterLoginFlow(t *testing.T) {
	f := newFixture(t)
	user, _ := f.registerUser(t, "ada")

	// Duplicate username conflicts.
	if w := f.do(t, "POST", "/auth/register", "", map[string]string{
		"username": "ada", "password": "hunter2secure",
	}); w.Code != http.StatusConflict {
		t.Fatalf("duplicate register: status %d", w.Code)
	}

	w := f.do(t, "POST", "/auth/login", "", map[string]string{
		"username": "ada", "password": "hunter2secure",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login: status %d: %s", w.Code, w.Body)
	}

	if w := f.do(t, "POST", "/auth/login", "", map[string]string{
		"username": "ada", "password": "wrong-password",
	}); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad login: status %d", w.Code)
	}

	var resp struct {
		Token string `json:"token"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	me := f.do(t, "GET", "/users/me", resp.Token, nil)
	if me.Code != http.StatusOK {
		t.Fatalf("me: status %d", me.Code)
	}
	var got domain.User
	json.Unmarshal(me.Body.Bytes(), &got)
	if got.ID != user.ID {
		t.Fatalf("me returned user %d, want %d", got.ID, user.ID)
	}
}

func TestProtectedRoutesRequireAuth(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/chats", "/invitations"} {
		if w := f.do(t, "GET", path, "", nil); w.Code != http.StatusUnauthorized {
			t.Fatalf("GET %s without token: status %d", path, w.Code)
		}
	}
}

func TestCreateChatSignalsCreator(t *testing.T) {
	f := newFixture(t)
	user, token := f.registerUser(t, "ada")

	// Simulate a live connection of the creator.
	sink := ws.NewSignalQueue()
	f.presence.Register(user.ID, sink)

	w := f.do(t, "POST", "/chats", token, map[string]any{"name": "ops"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create chat: status %d: %s", w.Code, w.Body)
	}
	var chat domain.Chat
	json.Unmarshal(w.Body.Bytes(), &chat)

	sig, ok := sink.Pop()
	if !ok || sig.Kind != ws.SignalAddChat || sig.Chat != chat.ID {
		t.Fatalf("creator signal: %+v ok=%v", sig, ok)
	}

	list := f.do(t, "GET", "/chats", token, nil)
	var chats []domain.Chat
	json.Unmarshal(list.Body.Bytes(), &chats)
	if len(chats) != 1 || chats[0].ID != chat.ID {
		t.Fatalf("chats: %+v", chats)
	}
}

func TestInvitationLifecycle(t *testing.T) {
	f := newFixture(t)
	_, ownerToken := f.registerUser(t, "ada")
	invitee, inviteeToken := f.registerUser(t, "bob")

	w := f.do(t, "POST", "/chats", ownerToken, map[string]any{"name": "ops"})
	var chat domain.Chat
	json.Unmarshal(w.Body.Bytes(), &chat)

	// Invitee is online: the enriched payload reaches their sink.
	sink := ws.NewSignalQueue()
	f.presence.Register(invitee.ID, sink)

	w = f.do(t, "POST", "/invitations", ownerToken, map[string]any{
		"chat_id": chat.ID, "invitee_id": invitee.ID,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("invite: status %d: %s", w.Code, w.Body)
	}
	var inv domain.Invitation
	json.Unmarshal(w.Body.Bytes(), &inv)

	sig, ok := sink.Pop()
	if !ok || sig.Kind != ws.SignalInvitation {
		t.Fatalf("invitee signal: %+v ok=%v", sig, ok)
	}
	if sig.Invitation.Chat.ID != chat.ID || sig.Invitation.Inviter.Username != "ada" {
		t.Fatalf("invitation detail: %+v", sig.Invitation)
	}

	// A second pending invite to the same user conflicts.
	if w := f.do(t, "POST", "/invitations", ownerToken, map[string]any{
		"chat_id": chat.ID, "invitee_id": invitee.ID,
	}); w.Code != http.StatusConflict {
		t.Fatalf("duplicate invite: status %d", w.Code)
	}

	// Only the invitee may settle it.
	if w := f.do(t, "POST", "/invitations/"+inv.ID.String()+"/accept", ownerToken, nil); w.Code != http.StatusForbidden {
		t.Fatalf("foreign accept: status %d", w.Code)
	}

	w = f.do(t, "POST", "/invitations/"+inv.ID.String()+"/accept", inviteeToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("accept: status %d: %s", w.Code, w.Body)
	}

	// Acceptance subscribes the invitee's live connections.
	sig, ok = sink.Pop()
	if !ok || sig.Kind != ws.SignalAddChat || sig.Chat != chat.ID {
		t.Fatalf("post-accept signal: %+v ok=%v", sig, ok)
	}

	// And creates the membership.
	member, err := f.store.IsMember(context.Background(), invitee.ID, chat.ID)
	if err != nil || !member {
		t.Fatalf("membership after accept: %v %v", member, err)
	}

	// Settled invitations cannot be settled again.
	if w := f.do(t, "POST", "/invitations/"+inv.ID.String()+"/decline", inviteeToken, nil); w.Code != http.StatusConflict {
		t.Fatalf("re-settle: status %d", w.Code)
	}
}

func TestNonAdminCannotInvite(t *testing.T) {
	f := newFixture(t)
	_, ownerToken := f.registerUser(t, "ada")
	member, memberToken := f.registerUser(t, "bob")
	outsider, _ := f.registerUser(t, "eve")

	w := f.do(t, "POST", "/chats", ownerToken, map[string]any{"name": "ops"})
	var chat domain.Chat
	json.Unmarshal(w.Body.Bytes(), &chat)

	// bob joins as plain Member via direct store state.
	f.store.mu.Lock()
	f.store.memberships[[2]int64{member.ID, chat.ID}] = domain.Membership{
		UserID: member.ID, ChatID: chat.ID, Role: domain.RoleMember, VisibleFrom: time.Now().UTC(),
	}
	f.store.mu.Unlock()

	if w := f.do(t, "POST", "/invitations", memberToken, map[string]any{
		"chat_id": chat.ID, "invitee_id": outsider.ID,
	}); w.Code != http.StatusForbidden {
		t.Fatalf("member invite: status %d", w.Code)
	}
}

func TestLeaveChatSignalsRemoval(t *testing.T) {
	f := newFixture(t)
	user, token := f.registerUser(t, "ada")

	w := f.do(t, "POST", "/chats", token, map[string]any{"name": "ops"})
	var chat domain.Chat
	json.Unmarshal(w.Body.Bytes(), &chat)

	sink := ws.NewSignalQueue()
	f.presence.Register(user.ID, sink)

	if w := f.do(t, "POST", "/chats/"+strconv.FormatInt(chat.ID, 10)+"/leave", token, nil); w.Code != http.StatusNoContent {
		t.Fatalf("leave: status %d", w.Code)
	}

	sig, ok := sink.Pop()
	if !ok || sig.Kind != ws.SignalRemoveChat || sig.Chat != chat.ID {
		t.Fatalf("leave signal: %+v ok=%v", sig, ok)
	}
}
