//go:build !unix

package lockfile

import "os"

// Without flock the lock is advisory only: the file is created but not locked.
func lock(f *os.File) error {
	return nil
}

func unlock(f *os.File) error {
	return nil
}
