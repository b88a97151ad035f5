package mastervol

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingNotifier struct {
	lock   sync.Mutex
	titles []string
}

func (rn *recordingNotifier) Notify(title string, _ string) {
	rn.lock.Lock()
	defer rn.lock.Unlock()

	rn.titles = append(rn.titles, title)
}

func writeConfig(t *testing.T, dir string, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0644))
}

func TestConfig_Defaults(t *testing.T) {
	instance, err := NewConfig(zap.NewNop().Sugar(), &recordingNotifier{}, t.TempDir())
	require.NoError(t, err)

	require.NoError(t, instance.Load())

	assert.Equal(t, "", instance.ConnectionInfo.SerialPort)
	assert.Equal(t, defaultSerialBaudRate, instance.ConnectionInfo.SerialBaudRate)
	assert.Equal(t, 0, instance.ConnectionInfo.SSERelayPort)
	assert.False(t, instance.InvertKnob)
	assert.True(t, instance.NotifyOnDeviceChange)
	assert.Equal(t, time.Duration(0), instance.DeviceChangeCooldown)
}

func TestConfig_Load(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
serial_port: COM4
serial_baud_rate: 9600
sse_relay_port: 8087
invert_knob: true
notify_on_device_change: false
device_change_cooldown_ms: 250
`)

	instance, err := NewConfig(zap.NewNop().Sugar(), &recordingNotifier{}, dir)
	require.NoError(t, err)
	require.NoError(t, instance.Load())

	assert.Equal(t, "COM4", instance.ConnectionInfo.SerialPort)
	assert.Equal(t, 9600, instance.ConnectionInfo.SerialBaudRate)
	assert.Equal(t, 8087, instance.ConnectionInfo.SSERelayPort)
	assert.True(t, instance.InvertKnob)
	assert.False(t, instance.NotifyOnDeviceChange)
	assert.Equal(t, 250*time.Millisecond, instance.DeviceChangeCooldown)
}

func TestConfig_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "serial_port: [unterminated\n")

	notifier := &recordingNotifier{}
	instance, err := NewConfig(zap.NewNop().Sugar(), notifier, dir)
	require.NoError(t, err)

	assert.Error(t, instance.Load())
	assert.Equal(t, []string{"Invalid configuration!"}, notifier.titles)
}

func TestConfig_InvalidValues(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "sse_relay_port: 70000\n")

	instance, err := NewConfig(zap.NewNop().Sugar(), &recordingNotifier{}, dir)
	require.NoError(t, err)

	assert.Error(t, instance.Load())
}

func TestConfig_ReloadConsumers(t *testing.T) {
	instance, err := NewConfig(zap.NewNop().Sugar(), &recordingNotifier{}, t.TempDir())
	require.NoError(t, err)

	consumer := instance.SubscribeToChanges()

	instance.onConfigReloaded()
	instance.onConfigReloaded()

	assert.True(t, <-consumer)

	instance.StopWatchingConfigFile()

	_, ok := <-consumer
	assert.False(t, ok, "consumer channels are closed on stop")
}

func TestConfig_SnapshotDuringReload(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "serial_port: COM4\nserial_baud_rate: 9600\n")

	instance, err := NewConfig(zap.NewNop().Sugar(), &recordingNotifier{}, dir)
	require.NoError(t, err)
	require.NoError(t, instance.Load())

	expectedBaud := map[string]int{"COM4": 9600, "COM5": 19200}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var mismatches int32
	var lock sync.Mutex

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}

				info := instance.Snapshot().ConnectionInfo
				if expectedBaud[info.SerialPort] != info.SerialBaudRate {
					lock.Lock()
					mismatches++
					lock.Unlock()
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		if i%2 == 0 {
			writeConfig(t, dir, "serial_port: COM5\nserial_baud_rate: 19200\n")
		} else {
			writeConfig(t, dir, "serial_port: COM4\nserial_baud_rate: 9600\n")
		}
		require.NoError(t, instance.Load())
	}

	close(stop)
	wg.Wait()

	assert.Zero(t, mismatches, "settings are replaced as a whole")
}
