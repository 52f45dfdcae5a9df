//go:build !dev

package process

// DefaultMode is production unless the host is built with -tags dev.
const DefaultMode = ModeProduction
