package daemon

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/sirupsen/logrus"
)

func Uninstall() error {
	logrus.Infof("stopping autobim")

	err := exec.Command("systemctl", "disable", "--now", unitName).Run()
	if err != nil {
		return fmt.Errorf("failed to disable %s: %w. Are you root?", unitName, err)
	}

	logrus.Infof("removing systemd unit")

	// if the file doesn't exist, we don't need to remove it
	_, err = os.Stat(UnitPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", UnitPath, err)
	}

	err = os.Remove(UnitPath)
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w. Are you root?", UnitPath, err)
	}

	_ = exec.Command("systemctl", "daemon-reload").Run()
	return nil
}
