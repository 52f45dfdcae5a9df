//go:build dev

package process

// DefaultMode is development for hosts built with -tags dev.
const DefaultMode = ModeDevelopment
