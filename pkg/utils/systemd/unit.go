// Package systemd installs the lockbox daemon as a systemd service.
package systemd

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

const unitName = "lockbox.service"

var (
	unitDir = "/etc/systemd/system"
	// systemctl is replaced in tests.
	systemctl = func(args ...string) error {
		return exec.Command("systemctl", args...).Run()
	}
)

const unitTemplate = `[Unit]
Description=lockbox laser lock daemon
After=network.target

[Service]
Type=simple
ExecStart=/path/to/lockbox daemon --config {{config}} --daemon-socket {{socket}}
Restart=on-failure
RestartSec=5
ExecReload=/bin/kill -HUP $MAINPID

[Install]
WantedBy=multi-user.target
`

// Unit renders the service file for the given executable, config and socket.
func Unit(exePath, configPath, socketPath string) string {
	return strings.NewReplacer(
		"/path/to/lockbox", exePath,
		"{{config}}", configPath,
		"{{socket}}", socketPath,
	).Replace(unitTemplate)
}

func unitPath() string {
	return filepath.Join(unitDir, unitName)
}

// Install writes the unit file for the current executable, then enables and
// starts the service.
func Install(configPath, socketPath string) error {
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

	err = os.MkdirAll(unitDir, 0755)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", unitDir, err)
	}

	path := unitPath()
	if _, err := os.Stat(path); err == nil {
		logrus.Warnf("%s already exists, overwriting", path)
	}

	logrus.Infof("writing %s", path)
	err = os.WriteFile(path, []byte(Unit(exePath, configPath, socketPath)), 0644)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	logrus.Info("starting lockbox")

	if err := systemctl("daemon-reload"); err != nil {
		return fmt.Errorf("failed to reload systemd: %w", err)
	}
	if err := systemctl("enable", "--now", unitName); err != nil {
		return fmt.Errorf("failed to enable %s: %w", unitName, err)
	}

	return nil
}

// Uninstall stops and disables the service and removes its unit file.
func Uninstall() error {
	logrus.Info("stopping lockbox")

	if err := systemctl("disable", "--now", unitName); err != nil {
		return fmt.Errorf("failed to disable %s: %w. Are you root?", unitName, err)
	}

	path := unitPath()
	_, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	logrus.Infof("removing %s", path)
	err = os.Remove(path)
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w. Are you root?", path, err)
	}

	return systemctl("daemon-reload")
}
