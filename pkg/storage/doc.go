// Package storage opens the Postgres database that holds the profiles and
// route_permissions tables, applies their schema, and connects the optional
// Redis instance shared by server replicas for permission decisions.
package storage
