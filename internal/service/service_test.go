package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"musicchat/internal/db"
	"musicchat/internal/mocks"
	"musicchat/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newUserService(t *testing.T) *UserService {
	t.Helper()
	gdb, err := db.Connect(db.DriverSQLite, filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	return NewUserService(gdb)
}

func TestUserService_UpsertUpdatesProfile(t *testing.T) {
	svc := newUserService(t)

	_, err := svc.Upsert("user_1", "Alice", "https://img/a.png")
	require.NoError(t, err)
	_, err = svc.Upsert("user_1", "Alice Liddell", "https://img/a2.png")
	require.NoError(t, err)

	got, err := svc.Get("user_1")
	require.NoError(t, err)
	assert.Equal(t, UserDTO{ID: "user_1", FullName: "Alice Liddell", ImageURL: "https://img/a2.png"}, *got)
}

func TestUserService_UpsertRejectsIncompleteProfile(t *testing.T) {
	svc := newUserService(t)

	tests := []struct {
		name       string
		externalID string
		fullName   string
	}{
		{"missing id", " ", "Alice"},
		{"missing name", "user_1", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Upsert(tt.externalID, tt.fullName, "")
			if !errors.Is(err, ErrInvalidProfile) {
				t.Fatalf("Upsert() error = %v, want ErrInvalidProfile", err)
			}
		})
	}
}

func TestUserService_ListExcept(t *testing.T) {
	svc := newUserService(t)
	for _, u := range [][2]string{{"u_c", "Carol"}, {"u_a", "Alice"}, {"u_b", "Bob"}} {
		_, err := svc.Upsert(u[0], u[1], "")
		require.NoError(t, err)
	}

	users, err := svc.ListExcept("u_b")
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "u_a", users[0].ID)
	assert.Equal(t, "u_c", users[1].ID)

	_, err = svc.Get("nobody")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestMessageService_History(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	for i := 0; i < 60; i++ {
		_, err := st.Persist(ctx, store.Message{SenderID: "alice", ReceiverID: "bob", Body: "hi"})
		require.NoError(t, err)
	}
	_, err := st.Persist(ctx, store.Message{SenderID: "alice", ReceiverID: "carol", Body: "other"})
	require.NoError(t, err)
	svc := NewMessageService(st)

	tests := []struct {
		name     string
		peer     string
		limit    int
		beforeID uint64
		wantLen  int
		wantErr  error
	}{
		{"no limit returns whole conversation", "bob", 0, 0, 60, nil},
		{"negative limit returns whole conversation", "bob", -5, 0, 60, nil},
		{"explicit limit", "bob", 10, 0, 10, nil},
		{"before id", "bob", 100, 6, 5, nil},
		{"other conversation", "carol", 10, 0, 1, nil},
		{"self", "alice", 10, 0, 0, ErrSelfConversation},
		{"empty peer", "  ", 10, 0, 0, ErrSelfConversation},
		{"no messages", "dave", 10, 0, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs, err := svc.History(ctx, "alice", tt.peer, tt.limit, tt.beforeID)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, msgs)
			assert.Len(t, msgs, tt.wantLen)
			for i := 1; i < len(msgs); i++ {
				assert.Less(t, msgs[i-1].ID, msgs[i].ID)
			}
		})
	}
}

func TestMessageService_HistoryClampsExplicitLimit(t *testing.T) {
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	st.EXPECT().
		Conversation(gomock.Any(), "alice", "bob", store.Page{Limit: maxHistoryLimit, BeforeID: 7}).
		Return(nil, nil)

	msgs, err := NewMessageService(st).History(context.Background(), "alice", "bob", 1000, 7)
	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
}
