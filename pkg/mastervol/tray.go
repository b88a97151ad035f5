package mastervol

import (
	"fmt"

	"github.com/getlantern/systray"

	"github.com/stalexteam/mastervol/pkg/mastervol/icon"
	"github.com/stalexteam/mastervol/pkg/mastervol/util"
)

const trayTitle = "mastervol"

// trayMenu holds the menu items that change along with the master output state
type trayMenu struct {
	deviceInfo *systray.MenuItem
	toggleMute *systray.MenuItem
}

func (m *Mastervol) initializeTray(onDone func()) {
	logger := m.logger.Named("tray")

	onReady := func() {
		logger.Debug("Tray instance ready")

		systray.SetTemplateIcon(icon.Logo, icon.Logo)
		systray.SetTitle(trayTitle)
		systray.SetTooltip(trayTitle)

		deviceInfo := systray.AddMenuItem("No output device", "Current default output device")
		deviceInfo.Disable()

		toggleMute := systray.AddMenuItem("Mute", "Toggle master mute")

		systray.AddSeparator()

		reattach := systray.AddMenuItem("Re-attach default device", "Manually re-attach to the default output device if something's stuck")
		editConfig := systray.AddMenuItem("Edit configuration", "Open config file for editing")

		// Only enable stack trace dump in verbose/debug mode
		var dumpStack *systray.MenuItem
		if m.verbose {
			dumpStack = systray.AddMenuItem("Dump stack trace", "Output all goroutines stack trace to log (for debugging deadlocks)")
		}

		if m.version != "" {
			systray.AddSeparator()
			versionInfo := systray.AddMenuItem(m.version, "")
			versionInfo.Disable()
		}

		systray.AddSeparator()
		quit := systray.AddMenuItem("Quit", "Stop mastervol and quit")

		m.trayLock.Lock()
		m.tray = &trayMenu{deviceInfo: deviceInfo, toggleMute: toggleMute}
		m.trayLock.Unlock()

		// catch up on whatever happened before the tray was up
		m.updateTray(m.State())

		// wait on things to happen
		go func() {
			for {
				select {

				// quit
				case <-quit.ClickedCh:
					logger.Info("Quit menu item clicked, stopping")

					m.signalStop()

				// mute toggle
				case <-toggleMute.ClickedCh:
					logger.Info("Mute menu item clicked, toggling master mute")

					m.toggleMute()

				// re-attach
				case <-reattach.ClickedCh:
					logger.Info("Re-attach menu item clicked, re-attaching default device")

					m.queue.Post(MessageDeviceChanged)

				// edit config
				case <-editConfig.ClickedCh:
					logger.Info("Edit config menu item clicked, opening config for editing")

					if err := util.OpenExternal(logger, util.DefaultEditor(), m.config.Path()); err != nil {
						logger.Warnw("Failed to open config file for editing", "error", err)
					}
				}
			}
		}()

		// dump stack trace handler (only in verbose/debug mode)
		if dumpStack != nil {
			go func() {
				for {
					<-dumpStack.ClickedCh
					logger.Info("Dump stack trace menu item clicked, outputting all goroutines stack trace")
					util.DumpAllGoroutines(logger)
				}
			}()
		}

		// actually start the main runtime
		onDone()
	}

	onExit := func() {
		logger.Debug("Tray exited")
	}

	// start the tray icon
	logger.Debug("Running in tray")
	systray.Run(onReady, onExit)
}

// updateTray reflects the given state in the tray icon, tooltip and menu. Does nothing
// when no tray is running
func (m *Mastervol) updateTray(state State) {
	m.trayLock.Lock()
	menu := m.tray
	m.trayLock.Unlock()

	if menu == nil {
		return
	}

	if !state.Attached {
		systray.SetIcon(icon.Muted)
		systray.SetTooltip(fmt.Sprintf("%s: no output device", trayTitle))
		menu.deviceInfo.SetTitle("No output device")
		menu.toggleMute.Disable()
		return
	}

	if state.Muted {
		systray.SetIcon(icon.Muted)
		menu.toggleMute.SetTitle("Unmute")
	} else {
		systray.SetIcon(icon.Logo)
		menu.toggleMute.SetTitle("Mute")
	}

	systray.SetTooltip(fmt.Sprintf("%s: %d%%", state.DeviceName, state.VolumePercent()))
	menu.deviceInfo.SetTitle(state.DeviceName)
	menu.toggleMute.Enable()
}

func (m *Mastervol) stopTray() {
	m.logger.Debug("Quitting tray")
	systray.Quit()
}
