package identity

import (
	"net/url"
	"strings"
	"sync"

	"github.com/platinummonkey/dormgate/pkg/auth"
)

// EventType names an auth state change
type EventType string

const (
	EventInitialSession   EventType = "INITIAL_SESSION"
	EventSignedIn         EventType = "SIGNED_IN"
	EventSignedOut        EventType = "SIGNED_OUT"
	EventTokenRefreshed   EventType = "TOKEN_REFRESHED"
	EventUserUpdated      EventType = "USER_UPDATED"
	EventPasswordRecovery EventType = "PASSWORD_RECOVERY"
)

// Fragment link types
const (
	LinkTypeRecovery = "recovery"
	LinkTypeSignup   = "signup"
)

// Event is delivered to auth state listeners. Session is nil after sign-out.
// Fragment is set when the event was caused by an email link.
type Event struct {
	Type     EventType
	Session  *auth.Session
	Fragment Fragment
}

// Fragment is the parsed URL fragment of an email link, e.g.
// "#token=...&type=recovery"
type Fragment map[string]string

// ParseFragment parses a raw fragment with or without the leading '#'.
// Malformed input yields an empty Fragment.
func ParseFragment(raw string) Fragment {
	values, err := url.ParseQuery(strings.TrimPrefix(raw, "#"))
	if err != nil {
		return Fragment{}
	}
	f := make(Fragment, len(values))
	for k, v := range values {
		if len(v) > 0 {
			f[k] = v[0]
		}
	}
	return f
}

// Type returns the link type ("recovery", "signup", ...) or ""
func (f Fragment) Type() string {
	return f["type"]
}

// RequiresPasswordReset reports whether the link should land on a
// reset-password page: password recovery and signup confirmation both do.
func (f Fragment) RequiresPasswordReset() bool {
	switch f.Type() {
	case LinkTypeRecovery, LinkTypeSignup:
		return true
	}
	return false
}

// broadcaster fans events out to listeners outside its lock
type broadcaster struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]func(Event)
	order     []int
}

func (b *broadcaster) subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listeners == nil {
		b.listeners = make(map[int]func(Event))
	}
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.order = append(b.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.listeners, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (b *broadcaster) emit(ev Event) {
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.order))
	for _, id := range b.order {
		fns = append(fns, b.listeners[id])
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
