package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rig = `
platform: esp32
fps: 50
engines:
  - name: RMT
    kind: sim
    priority: 10
    caps: [pulse]
  - name: SPI
    kind: multilane
    priority: 50
  - name: SOFT
    kind: sim
    priority: 1
    caps: [clocked]
    disabled: true
channels:
  - id: 0
    name: ws
    chipset: ws2812
    pin: 2
    leds: 8
  - id: 1
    name: a
    chipset: apa102
    pin: 3
    clock_pin: 14
    leds: 8
  - id: 2
    name: b
    chipset: apa102
    pin: 4
    clock_pin: 14
    leds: 8
  - id: 3
    name: c
    chipset: apa102
    pin: 5
    clock_pin: 14
    leds: 8
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	color.NoColor = true
	p := filepath.Join(t.TempDir(), "rig.yaml")
	require.NoError(t, os.WriteFile(p, []byte(rig), 0644))

	root := NewRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(new(bytes.Buffer))
	root.SetArgs(append([]string{"--config", p}, args...))
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestRoot_ShowsHelp(t *testing.T) {
	out, err := execute(t)
	require.NoError(t, err)
	assert.Contains(t, out, "Usage:")
	assert.Contains(t, out, "drivers")
}

func TestRoot_RejectsUnknownFlags(t *testing.T) {
	_, err := execute(t, "--goal", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown flag")
}

func TestDrivers(t *testing.T) {
	out, err := execute(t, "drivers")
	require.NoError(t, err)
	assert.Regexp(t, `(?s)SPI.*RMT.*SOFT`, out)
	assert.Regexp(t, `SOFT\s+clocked\s+disabled`, out)
	assert.Regexp(t, `RMT\s+pulse-coded\s+enabled`, out)
}

func TestBuses(t *testing.T) {
	out, err := execute(t, "buses")
	require.NoError(t, err)
	assert.Regexp(t, `14\s+quad`, out)
	assert.Contains(t, out, "3/3")
	assert.Contains(t, out, "data 5")
}

func TestRun(t *testing.T) {
	_, err := execute(t, "run", "--duration", "50ms", "--pattern", "rgb_channels", "--fps", "100")
	assert.NoError(t, err)

	_, err = execute(t, "run", "--duration", "10ms", "--exclusive", "I2S")
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	SetVersionInfo("1.2.3", "abc", "today")
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "ledbus 1.2.3 (commit: abc, built: today)\n", out)
}
