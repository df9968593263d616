// Package version reports the flashfs build.
//
// Release builds set Version, Commit and Date with -ldflags. Otherwise the
// values come from the build info the go tool embeds, falling back to
// "development" and "unknown".
package version
