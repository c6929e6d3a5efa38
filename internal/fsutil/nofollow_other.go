//go:build !unix

package fsutil

// NoFollow is zero where the platform has no O_NOFOLLOW; Resolve still
// refuses paths occupied by a link.
const NoFollow = 0
