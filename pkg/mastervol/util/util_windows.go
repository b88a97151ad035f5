package util

// DefaultEditor returns the command used to open the config file for editing
func DefaultEditor() string {
	return "notepad.exe"
}
