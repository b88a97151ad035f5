package util

import "os"

// DefaultEditor returns the command used to open the config file for editing
func DefaultEditor() string {
	if editor := os.Getenv("EDITOR"); editor != "" {
		return editor
	}

	// xdg-open will open with default text editor
	return "xdg-open"
}
