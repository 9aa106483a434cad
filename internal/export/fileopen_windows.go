//go:build windows

package export

import "os"

// openFileNoFollow opens a file for writing.
// On Windows, O_NOFOLLOW is not available. ValidatePath still checks for
// symlinks before we get here.
func openFileNoFollow(path string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(path, flag, perm)
}
