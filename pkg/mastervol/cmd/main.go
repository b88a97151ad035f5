package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kingpin/v2"

	"github.com/stalexteam/mastervol/pkg/mastervol"
)

var (
	gitCommit  string
	versionTag string
	buildType  string
)

func main() {
	app := kingpin.New("mastervol", "Master volume, mute and default output device control with knob, tray and SSE relay surfaces.")

	verbose := app.Flag("verbose", "Show verbose logs (useful for debugging serial)").Short('v').Bool()
	configDir := app.Flag("config-dir", "Directory holding config.yaml").Default(".").String()
	noTray := app.Flag("no-tray", "Run without a tray icon, stop with ctrl+C").Bool()

	kingpin.MustParse(app.Parse(os.Args[1:]))

	// first we need a logger
	logger, err := mastervol.NewLogger(buildType)
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}

	named := logger.Named("main")
	named.Debug("Created logger")

	named.Infow("Version info",
		"gitCommit", gitCommit,
		"versionTag", versionTag,
		"buildType", buildType)

	// provide a fair warning if the user's running in verbose mode
	if *verbose {
		named.Debug("Verbose flag provided, all log messages will be shown")
	}

	// create the mastervol instance
	m, err := mastervol.NewMastervol(logger, *verbose, *noTray, *configDir)
	if err != nil {
		named.Fatalw("Failed to create mastervol object", "error", err)
	}

	// if injected by build process, set version info to show up in the tray
	if buildType != "" && (versionTag != "" || gitCommit != "") {
		identifier := gitCommit
		if versionTag != "" {
			identifier = versionTag
		}

		versionString := fmt.Sprintf("Version %s-%s", buildType, identifier)
		m.SetVersion(versionString)
	}

	// onwards, to glory
	if err = m.Initialize(); err != nil {
		named.Fatalw("Failed to initialize mastervol", "error", err)
	}
}
