//go:build unix

package fsutil

import "syscall"

// NoFollow makes os.OpenFile fail on a final component that is a symlink.
const NoFollow = syscall.O_NOFOLLOW
