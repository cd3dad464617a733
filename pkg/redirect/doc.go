// Package redirect implements the sign-in redirect coordinator.
//
// After a SIGNED_IN event the coordinator waits for the user's profile to
// settle, then moves the user to the area matching their role if they are
// in the wrong one. If the profile does not settle within the timeout the
// user stays where they are. Token refreshes and other events never cause a
// navigation, so a tab regaining focus cannot start a redirect loop.
//
// Decide holds the rules and has no side effects.
package redirect
