//go:build relaydebug

package relay

const debugAssertions = true
