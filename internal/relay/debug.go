//go:build !relaydebug

package relay

// debugAssertions enables registry invariant checks after every mutation.
// Build with -tags relaydebug to turn them on.
const debugAssertions = false
