// Package async runs background tasks with panic recovery and structured
// error logging.
//
// The session store refreshes profiles and the redirect coordinator waits
// for them off the provider's callback goroutine; both go through SafeGo so a
// panic in one browser session cannot take down the server.
package async
