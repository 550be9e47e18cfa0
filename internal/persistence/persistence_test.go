package persistence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/spitfire4040/chatcore/internal/config"
	"github.com/spitfire4040/chatcore/internal/protocol"
)

func newTestActor(t *testing.T) (*Persistence, context.Context, context.CancelFunc) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewJSONStore(dir, "users.json", "rooms.json")
	require.NoError(t, err)

	p := NewPersistence(store, 16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go p.Run(ctx)
	t.Cleanup(cancel)
	return p, ctx, cancel
}

func TestMain(m *testing.M) {
	os.Exit(goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("github.com/spitfire4040/chatcore/internal/persistence.(*Persistence).Run")))
}

func TestRegisterAndAuthenticate(t *testing.T) {
	p, ctx, _ := newTestActor(t)

	u, err := p.Register(ctx, "alice0007", "correct_Horse9")
	require.NoError(t, err)
	require.Equal(t, "alice0007", u.Username)
	require.NotEqual(t, u.ID.String(), "")

	again, err := p.Authenticate(ctx, "alice0007", "correct_Horse9")
	require.NoError(t, err)
	require.Equal(t, u.ID, again.ID)

	_, err = p.Authenticate(ctx, "alice0007", "wrong-password9")
	require.ErrorIs(t, err, ErrBadCredentials)

	_, err = p.Authenticate(ctx, "nobody007", "correct_Horse9")
	require.ErrorIs(t, err, ErrUnknownUser)
}

func TestRegisterRejectsDuplicateUsername(t *testing.T) {
	p, ctx, _ := newTestActor(t)

	_, err := p.Register(ctx, "alice0007", "correct_Horse9")
	require.NoError(t, err)

	_, err = p.Register(ctx, "alice0007", "correct_Horse9")
	require.ErrorIs(t, err, ErrUsernameTaken)
}

func TestRegisterEnforcesPolicy(t *testing.T) {
	p, ctx, _ := newTestActor(t)

	_, err := p.Register(ctx, "a", "correct_Horse9")
	require.ErrorIs(t, err, ErrInvalidUsername)

	_, err = p.Register(ctx, "alice0007", "short")
	require.ErrorIs(t, err, ErrInvalidPassword)
}

func TestNewUserStartsInPublicRoom(t *testing.T) {
	p, ctx, _ := newTestActor(t)

	u, err := p.Register(ctx, "alice0007", "correct_Horse9")
	require.NoError(t, err)

	rooms, err := p.GetUserData(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	require.Equal(t, config.PublicRoomID, rooms[0].ID)
	require.Equal(t, config.PublicRoomName, rooms[0].Name)
}

func TestCreateRoomThenJoin(t *testing.T) {
	p, ctx, _ := newTestActor(t)

	owner, err := p.Register(ctx, "owner0007", "correct_Horse9")
	require.NoError(t, err)
	joiner, err := p.Register(ctx, "joiner007", "correct_Horse9")
	require.NoError(t, err)

	room, err := p.CreateRoom(ctx, "book-club", nil, owner)
	require.NoError(t, err)
	require.Len(t, room.Members, 1)

	_, err = p.CreateRoom(ctx, "book-club", nil, joiner)
	require.ErrorIs(t, err, ErrRoomNameTaken)

	joined, err := p.JoinRoom(ctx, "book-club", nil, joiner)
	require.NoError(t, err)
	require.Len(t, joined.Members, 2)

	rooms, err := p.GetUserData(ctx, joiner.ID)
	require.NoError(t, err)
	var names []string
	for _, r := range rooms {
		names = append(names, r.Name)
	}
	require.Contains(t, names, "book-club")
}

func TestJoinRoomPasswordProtected(t *testing.T) {
	p, ctx, _ := newTestActor(t)

	owner, err := p.Register(ctx, "owner0007", "correct_Horse9")
	require.NoError(t, err)
	joiner, err := p.Register(ctx, "joiner007", "correct_Horse9")
	require.NoError(t, err)

	pw := "s3cret-room"
	_, err = p.CreateRoom(ctx, "private-1", &pw, owner)
	require.NoError(t, err)

	_, err = p.JoinRoom(ctx, "private-1", nil, joiner)
	require.ErrorIs(t, err, ErrRoomHasPassword)

	wrong := "nope"
	_, err = p.JoinRoom(ctx, "private-1", &wrong, joiner)
	require.ErrorIs(t, err, ErrBadRoomPassword)

	room, err := p.JoinRoom(ctx, "private-1", &pw, joiner)
	require.NoError(t, err)
	require.Len(t, room.Members, 2)
}

func TestJoinRoomNotFound(t *testing.T) {
	p, ctx, _ := newTestActor(t)
	joiner, err := p.Register(ctx, "joiner007", "correct_Horse9")
	require.NoError(t, err)

	_, err = p.JoinRoom(ctx, "does-not-exist", nil, joiner)
	require.ErrorIs(t, err, ErrRoomNotFound)
}

func TestUserJoinedAndLeftRoomUpdatesMembership(t *testing.T) {
	p, ctx, _ := newTestActor(t)

	owner, err := p.Register(ctx, "owner0007", "correct_Horse9")
	require.NoError(t, err)
	room, err := p.CreateRoom(ctx, "temp-room", nil, owner)
	require.NoError(t, err)

	var u2 protocol.User
	u2, err = p.Register(ctx, "second007", "correct_Horse9")
	require.NoError(t, err)

	membersOf := func() []string {
		rooms, err := p.GetUserData(ctx, owner.ID)
		require.NoError(t, err)
		for _, r := range rooms {
			if r.ID == room.ID {
				names := make([]string, 0, len(r.Members))
				for _, m := range r.Members {
					names = append(names, m.Username)
				}
				return names
			}
		}
		return nil
	}

	require.NoError(t, p.UserJoinedRoom(ctx, u2, room.ID))
	require.Equal(t, []string{"owner0007", "second007"}, membersOf())
	require.NoError(t, p.UserLeftRoom(ctx, u2, room.ID))
	require.Equal(t, []string{"owner0007"}, membersOf())
}

func TestActorRespectsContextCancellation(t *testing.T) {
	p, _, cancel := newTestActor(t)
	cancel()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel2 := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel2()
	_, err := p.Register(ctx, "alice0007", "correct_Horse9")
	require.Error(t, err)
}
