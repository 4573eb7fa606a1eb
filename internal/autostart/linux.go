//go:build linux

package autostart

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// desktopPath is the XDG autostart entry for appName.
func desktopPath(appName string) (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "autostart", appName+".desktop"), nil
}

func IsEnabled(appName string) (bool, error) {
	path, err := desktopPath(appName)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func Enable(appName string, executablePath string, args ...string) error {
	path, err := desktopPath(appName)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	entry := fmt.Sprintf("[Desktop Entry]\nType=Application\nName=%s\nExec=%s\nX-GNOME-Autostart-enabled=true\n",
		appName, commandLine(executablePath, args...))
	return os.WriteFile(path, []byte(entry), 0o644)
}

func Disable(appName string) error {
	path, err := desktopPath(appName)
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
