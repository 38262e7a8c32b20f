// Package versiontag is the vocabulary for the tags this tool owns on the
// dashboard. A version tag is named "<prefix>-<version>"; every other tag on a
// monitor is left alone.
package versiontag

import "strings"

const (
	// DefaultPrefix is used when a service config does not name one.
	DefaultPrefix = "version"

	// DefaultColor is applied to tags created by this tool. The dashboard
	// requires a color on tag creation.
	DefaultColor = "#3b82f6"
)

// Name composes the tag name for a prefix and a version string. An empty
// prefix falls back to DefaultPrefix.
func Name(prefix, version string) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return prefix + "-" + version
}

// Owned reports whether the named tag belongs to the given prefix family,
// ie. whether this tool would have created it. These are the tags that get
// replaced when the reported version moves.
func Owned(prefix, tagName string) bool {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return strings.HasPrefix(tagName, prefix+"-")
}

// Stale reports whether the named tag is an owned tag other than the wanted
// one.
func Stale(prefix, tagName, wanted string) bool {
	return Owned(prefix, tagName) && tagName != wanted
}
