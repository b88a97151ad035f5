package mastervol

import (
	"os"
	"path/filepath"

	"github.com/gen2brain/beeep"
	"go.uber.org/zap"

	"github.com/stalexteam/mastervol/pkg/mastervol/icon"
	"github.com/stalexteam/mastervol/pkg/mastervol/util"
)

// Notifier provides generic notification sending
type Notifier interface {
	Notify(title string, message string)
}

// ToastNotifier provides toast notifications for Windows
type ToastNotifier struct {
	logger *zap.SugaredLogger
}

// NewToastNotifier creates a new ToastNotifier
func NewToastNotifier(logger *zap.SugaredLogger) (*ToastNotifier, error) {
	logger = logger.Named("notifier")
	tn := &ToastNotifier{logger: logger}

	logger.Debug("Created toast notifier instance")

	return tn, nil
}

// Notify sends a toast notification (or falls back to other types of notification for older Windows versions)
func (tn *ToastNotifier) Notify(title string, message string) {

	// we should only be doing this when it's time to notify, since it's not guaranteed to work
	appIconPath := filepath.Join(os.TempDir(), "mastervol.ico")

	if !util.FileExists(appIconPath) {
		tn.logger.Debugw("App icon doesn't exist in temp directory, writing", "path", appIconPath)

		if err := os.WriteFile(appIconPath, icon.Logo, 0644); err != nil {
			tn.logger.Warnw("Failed to write app icon to temp directory", "path", appIconPath, "error", err)
			appIconPath = ""
		}
	}

	tn.logger.Infow("Sending toast notification", "title", title, "message", message)

	if err := beeep.Notify(title, message, appIconPath); err != nil {
		tn.logger.Errorw("Failed to send toast notification", "error", err)
	}
}
