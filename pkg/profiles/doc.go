// Package profiles reads user profiles (role, staff sub-role, contact
// details) from the profiles table.
package profiles
