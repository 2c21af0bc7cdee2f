// Package browser drives headless Chrome through the DevTools protocol and
// exposes a tab's audio and video as a WebM byte stream.
package browser

import (
	"os"
	"os/exec"
	"runtime"

	"github.com/pkg/errors"
)

// ErrChromeNotFound is returned when no Chrome binary could be located.
var ErrChromeNotFound = errors.New("chrome binary not found, set CHROME_BIN")

var linuxCandidates = []string{
	"chromium-browser",
	"chromium",
	"google-chrome",
	"google-chrome-stable",
}

var fixedPaths = map[string]string{
	"darwin":  "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	"windows": `C:\Program Files\Google\Chrome\Application\chrome.exe`,
}

// FindChrome returns explicit when set, otherwise the platform's usual
// Chrome location.
func FindChrome(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	return findChrome(runtime.GOOS, exec.LookPath)
}

func findChrome(goos string, lookPath func(string) (string, error)) (string, error) {
	if path, ok := fixedPaths[goos]; ok {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		return "", errors.Wrap(ErrChromeNotFound, path)
	}
	for _, name := range linuxCandidates {
		if path, err := lookPath(name); err == nil {
			return path, nil
		}
	}
	return "", ErrChromeNotFound
}
