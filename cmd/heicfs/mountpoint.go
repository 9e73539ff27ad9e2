package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/sirupsen/logrus"
)

// ensureMountpointAccessible creates a missing mountpoint and recovers
// one left behind by a crashed mount (reads then fail with ENOTCONN
// until fusermount releases it).
func ensureMountpointAccessible(mountpoint string) error {
	_, err := os.ReadDir(mountpoint)
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ENOTCONN) {
		logrus.WithField("mountpoint", mountpoint).
			Info("mountpoint stuck from a previous mount, unmounting")
		if err := attemptUnmount(mountpoint); err != nil {
			return err
		}
		if _, err := os.Stat(mountpoint); os.IsNotExist(err) {
			return os.MkdirAll(mountpoint, 0o755)
		}
		return nil
	}
	if os.IsNotExist(err) {
		return os.MkdirAll(mountpoint, 0o755)
	}
	return fmt.Errorf("cannot access mountpoint %s: %w", mountpoint, err)
}

func attemptUnmount(mountpoint string) error {
	out, err := exec.Command("fusermount", "-u", mountpoint).CombinedOutput()
	if err != nil {
		return fmt.Errorf("fusermount -u %s: %v: %s", mountpoint, err, out)
	}
	return nil
}
