// Package session holds the SessionStore: the single writer of "who is signed
// in" for one browser.
//
// A Store owns the current identity.Provider session and a read-through copy
// of the matching profile row. Other components read it through Snapshot and
// Subscribe and never mutate it.
//
// Lifecycle:
//
//	store := session.NewStore(provider, profileStore, session.Options{Logger: logger})
//	defer store.Dispose()
//	store.Init(ctx)
//
// Profile refreshes are keyed by user id. A refresh that completes after the
// store moved to another user, or after a newer refresh for the same user was
// applied, is discarded.
//
// Only SIGNED_IN events reach OnSignedIn listeners. Token refreshes and other
// provider events update the session and refresh the profile but never
// trigger navigation.
package session
