//go:build !unix

package forward

// isMsgSizeError has no portable equivalent outside unix; non-unix
// builds never attempt fragmentation.
func isMsgSizeError(err error) bool {
	return false
}
