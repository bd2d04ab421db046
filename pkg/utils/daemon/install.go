package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Install writes the systemd unit for the current executable, then enables
// and starts it.
func Install(configPath, socketPath string) error {
	// Get the path to the current executable
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get the path to the current executable: %w", err)
	}
	exePath, err = filepath.Abs(exePath)
	if err != nil {
		return fmt.Errorf("failed to get the absolute path to the current executable: %w", err)
	}

	err = os.Chmod(exePath, 0755)
	if err != nil {
		return fmt.Errorf("failed to chmod the current executable to 0755: %w", err)
	}

	logrus.Infof("current executable path: %s", exePath)

	unit := RenderUnit(exePath, configPath, socketPath)

	logrus.Infof("writing systemd unit to %s", filepath.Dir(UnitPath))

	err = os.MkdirAll(filepath.Dir(UnitPath), 0755)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(UnitPath), err)
	}

	// warn if the file already exists
	_, err = os.Stat(UnitPath)
	if err == nil {
		logrus.Warnf("%s already exists, overwriting", UnitPath)
	}

	err = os.WriteFile(UnitPath, []byte(unit), 0644)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", UnitPath, err)
	}

	logrus.Infof("starting autobim")

	for _, args := range [][]string{
		{"daemon-reload"},
		{"enable", "--now", unitName},
	} {
		if out, err := exec.Command("systemctl", args...).CombinedOutput(); err != nil {
			return fmt.Errorf("systemctl %v failed: %w: %s", args, err, out)
		}
	}

	return nil
}
