//go:build !unix && !windows

package blockdevice

import "os"

// Advisory locking is not available here; the device is used unlocked.
func lockFile(*os.File) error {
	return nil
}
