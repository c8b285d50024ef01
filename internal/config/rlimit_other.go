//go:build !unix

package config

// RaiseNofileLimit is a no-op outside unix: there is no portable
// equivalent to RLIMIT_NOFILE.
func RaiseNofileLimit(expanded bool) error {
	return nil
}
