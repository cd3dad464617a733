// Package httputil provides HTTP helpers shared by the dormgate handlers.
//
// Responses:
//
//	httputil.WriteJSON(w, http.StatusOK, snapshot)
//	httputil.WriteUnauthorized(w, "sign in required")
//	httputil.WriteRedirectError(w, http.StatusForbidden, "forbidden", "/portal")
//
// Requests:
//
//	var req signInRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//
// WantsJSON separates API callers, which get JSON error bodies, from page
// navigations, which get redirects.
package httputil
