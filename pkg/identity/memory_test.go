package identity

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/dormgate/pkg/auth"
)

// recorder collects events delivered to a listener
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func TestMemoryClient_SignInAndOut(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory(MemoryOptions{})
	user, err := dir.AddUser("Resident@Example.com", "hunter22", "")
	require.NoError(t, err)

	client := dir.Client()
	rec := &recorder{}
	client.OnAuthStateChange(rec.listen)

	s, err := client.CurrentSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, s)

	_, err = client.SignInWithPassword(ctx, "resident@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	s, err = client.SignInWithPassword(ctx, "resident@example.com", "hunter22")
	require.NoError(t, err)
	assert.Equal(t, user.ID, s.UserID())

	current, err := client.CurrentSession(ctx)
	require.NoError(t, err)
	assert.Equal(t, s, current)

	require.NoError(t, client.SignOut(ctx))
	current, err = client.CurrentSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, current)

	assert.Equal(t, []EventType{EventSignedIn, EventSignedOut}, rec.types())
}

func TestMemoryClient_SessionsAreIsolated(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory(MemoryOptions{})
	_, err := dir.AddUser("a@example.com", "pw", "")
	require.NoError(t, err)

	first, second := dir.Client(), dir.Client()
	_, err = first.SignInWithPassword(ctx, "a@example.com", "pw")
	require.NoError(t, err)

	s, err := second.CurrentSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestMemoryClient_SessionExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	dir := NewMemoryDirectory(MemoryOptions{SessionTTL: time.Hour, Now: func() time.Time { return now }})
	_, err := dir.AddUser("a@example.com", "pw", "")
	require.NoError(t, err)

	client := dir.Client()
	_, err = client.SignInWithPassword(ctx, "a@example.com", "pw")
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	s, err := client.CurrentSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestMemoryClient_SignUp(t *testing.T) {
	ctx := context.Background()

	t.Run("without confirmation signs in", func(t *testing.T) {
		dir := NewMemoryDirectory(MemoryOptions{})
		client := dir.Client()
		rec := &recorder{}
		client.OnAuthStateChange(rec.listen)

		s, err := client.SignUp(ctx, SignUpRequest{Email: "new@example.com", Password: "pw"})
		require.NoError(t, err)
		require.NotNil(t, s)
		assert.Equal(t, []EventType{EventSignedIn}, rec.types())

		_, err = client.SignUp(ctx, SignUpRequest{Email: "NEW@example.com", Password: "pw"})
		assert.ErrorIs(t, err, ErrUserExists)
	})

	t.Run("with confirmation returns no session", func(t *testing.T) {
		dir := NewMemoryDirectory(MemoryOptions{RequireConfirmation: true})
		client := dir.Client()
		rec := &recorder{}
		client.OnAuthStateChange(rec.listen)

		s, err := client.SignUp(ctx, SignUpRequest{Email: "new@example.com", Password: "pw"})
		require.NoError(t, err)
		assert.Nil(t, s)
		assert.Empty(t, rec.types())

		_, err = client.SignInWithPassword(ctx, "new@example.com", "pw")
		assert.ErrorIs(t, err, ErrEmailNotConfirmed)

		link, err := dir.IssueLink("new@example.com", LinkTypeSignup)
		require.NoError(t, err)

		s, err = client.HandleFragment(ctx, "#"+link)
		require.NoError(t, err)
		require.NotNil(t, s)

		require.Len(t, rec.events, 1)
		assert.Equal(t, EventSignedIn, rec.events[0].Type)
		assert.Equal(t, LinkTypeSignup, rec.events[0].Fragment.Type())

		_, err = client.HandleFragment(ctx, link)
		assert.ErrorIs(t, err, ErrInvalidLink, "links are single use")
	})
}

func TestMemoryClient_RecoveryLink(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory(MemoryOptions{})
	_, err := dir.AddUser("a@example.com", "pw", "partner")
	require.NoError(t, err)

	client := dir.Client()
	rec := &recorder{}
	client.OnAuthStateChange(rec.listen)

	link, err := dir.IssueLink("a@example.com", LinkTypeRecovery)
	require.NoError(t, err)
	s, err := client.HandleFragment(ctx, link)
	require.NoError(t, err)
	assert.Equal(t, "partner", s.User.RoleClaim)

	assert.Equal(t, []EventType{EventSignedIn, EventPasswordRecovery}, rec.types())
	assert.True(t, rec.events[0].Fragment.RequiresPasswordReset())

	_, err = dir.IssueLink("a@example.com", "magiclink")
	assert.Error(t, err)
}

func TestMemoryClient_MalformedLink(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory(MemoryOptions{})
	_, err := dir.AddUser("a@example.com", "pw", "")
	require.NoError(t, err)

	link, err := dir.IssueLink("a@example.com", LinkTypeRecovery)
	require.NoError(t, err)
	token := ParseFragment(link)["token"]
	assert.True(t, strings.HasPrefix(token, auth.LinkTokenPrefix))

	client := dir.Client()
	for _, raw := range []string{
		"type=recovery",
		"token=" + strings.TrimPrefix(token, auth.LinkTokenPrefix) + "&type=recovery",
		"token=" + auth.LinkTokenPrefix + "not*base64&type=recovery",
		"token=" + auth.AccessTokenPrefix + strings.TrimPrefix(token, auth.LinkTokenPrefix) + "&type=recovery",
	} {
		_, err := client.HandleFragment(ctx, raw)
		assert.ErrorIs(t, err, ErrInvalidLink, raw)
	}

	// The well-formed link is still unused
	_, err = client.HandleFragment(ctx, link)
	assert.NoError(t, err)
}

func TestMemoryClient_RefreshSession(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory(MemoryOptions{})
	_, err := dir.AddUser("a@example.com", "pw", "")
	require.NoError(t, err)

	client := dir.Client()
	_, err = client.RefreshSession(ctx)
	assert.ErrorIs(t, err, ErrNoSession)

	first, err := client.SignInWithPassword(ctx, "a@example.com", "pw")
	require.NoError(t, err)

	rec := &recorder{}
	client.OnAuthStateChange(rec.listen)
	second, err := client.RefreshSession(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, first.UserID(), second.UserID())
	assert.Equal(t, []EventType{EventTokenRefreshed}, rec.types())
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	var b broadcaster
	var a, c int
	unsubA := b.subscribe(func(Event) { a++ })
	b.subscribe(func(Event) { c++ })

	b.emit(Event{Type: EventSignedIn})
	unsubA()
	unsubA()
	b.emit(Event{Type: EventSignedOut})

	assert.Equal(t, 1, a)
	assert.Equal(t, 2, c)
}

func TestBroadcaster_ListenerMaySubscribe(t *testing.T) {
	var b broadcaster
	calls := 0
	b.subscribe(func(Event) {
		b.subscribe(func(Event) { calls++ })
	})
	assert.NotPanics(t, func() { b.emit(Event{Type: EventSignedIn}) })
	b.emit(Event{Type: EventSignedIn})
	assert.Equal(t, 1, calls)
}

func TestParseFragment(t *testing.T) {
	f := ParseFragment("#access_token=abc&type=recovery&expires_in=3600")
	assert.Equal(t, "abc", f["access_token"])
	assert.Equal(t, LinkTypeRecovery, f.Type())
	assert.True(t, f.RequiresPasswordReset())

	assert.True(t, ParseFragment("type=signup").RequiresPasswordReset())
	assert.False(t, ParseFragment("type=magiclink").RequiresPasswordReset())
	assert.Empty(t, ParseFragment("%zz"))
	assert.Equal(t, "", Fragment(nil).Type())
}
