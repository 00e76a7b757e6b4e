package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, raw string) string {
	dir := t.TempDir()
	p := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(p, []byte(raw), 0o644))
	return dir
}

func TestConfig_Load(t *testing.T) {
	l := logrus.New()

	c := NewC(l)
	dir := writeConfig(t, "outer:\n  inner: hi\n")
	require.NoError(t, c.Load(dir))
	assert.Equal(t, "hi", c.GetString("outer.inner", ""))

	// files merge in lexical order, later files win
	p2 := filepath.Join(dir, "override.yml")
	require.NoError(t, os.WriteFile(p2, []byte("outer:\n  inner: override\nnew: hi\n"), 0o644))
	c = NewC(l)
	require.NoError(t, c.Load(dir))
	assert.Equal(t, "override", c.GetString("outer.inner", ""))
	assert.Equal(t, "hi", c.GetString("new", ""))
}

func TestConfig_LoadString(t *testing.T) {
	l := logrus.New()
	c := NewC(l)
	require.Error(t, c.LoadString(""))
	require.NoError(t, c.LoadString("backend:\n  type: mem\n"))
	assert.Equal(t, "mem", c.GetString("backend.type", ""))
}

func TestConfig_Get(t *testing.T) {
	l := logrus.New()
	c := NewC(l)
	c.Settings["link"] = map[string]any{"dma": "dual"}
	assert.Equal(t, "dual", c.Get("link.dma"))
	assert.Nil(t, c.Get("link.nope"))
	assert.True(t, c.IsSet("link.dma"))
	assert.False(t, c.IsSet("link.nope"))
}

func TestConfig_GetBool(t *testing.T) {
	l := logrus.New()
	c := NewC(l)

	for raw, want := range map[any]bool{
		true: true, "true": true, "Y": true, "yEs": true,
		false: false, "false": false, "N": false, "nO": false,
	} {
		c.Settings["bool"] = raw
		assert.Equal(t, want, c.GetBool("bool", !want))
	}
}

func TestConfig_GetDuration(t *testing.T) {
	l := logrus.New()
	c := NewC(l)
	c.Settings["timeout"] = "250ms"
	assert.Equal(t, 250*time.Millisecond, c.GetDuration("timeout", time.Second))
	assert.Equal(t, time.Second, c.GetDuration("missing", time.Second))
}

func TestConfig_GetSizeBytes(t *testing.T) {
	l := logrus.New()
	c := NewC(l)

	c.Settings["size"] = "512M"
	assert.Equal(t, uint64(512<<20), c.GetSizeBytes("size", 0))

	c.Settings["size"] = "4096"
	assert.Equal(t, uint64(4096), c.GetSizeBytes("size", 0))

	c.Settings["size"] = "2G"
	assert.Equal(t, uint64(2<<30), c.GetSizeBytes("size", 0))

	c.Settings["size"] = "nonsense"
	assert.Equal(t, uint64(7), c.GetSizeBytes("size", 7))
	assert.Equal(t, uint64(7), c.GetSizeBytes("missing", 7))
}

func TestConfig_HasChanged(t *testing.T) {
	l := logrus.New()

	// No reload has occurred, return false
	c := NewC(l)
	c.Settings["test"] = "hi"
	assert.False(t, c.HasChanged(""))

	// Test key change
	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "no"}
	assert.True(t, c.HasChanged("test"))
	assert.True(t, c.HasChanged(""))

	// No key change
	c = NewC(l)
	c.Settings["test"] = "hi"
	c.oldSettings = map[string]any{"test": "hi"}
	assert.False(t, c.HasChanged("test"))
	assert.False(t, c.HasChanged(""))
}

func TestConfig_ReloadConfigString(t *testing.T) {
	l := logrus.New()
	done := make(chan bool, 1)

	c := NewC(l)
	require.NoError(t, c.LoadString("outer:\n  inner: hi"))
	assert.False(t, c.HasChanged("outer.inner"))

	c.RegisterReloadCallback(func(c *C) {
		done <- true
	})

	require.NoError(t, c.ReloadConfigString("outer:\n  inner: ho"))
	assert.True(t, c.HasChanged("outer.inner"))
	assert.True(t, c.HasChanged("outer"))
	assert.True(t, c.HasChanged(""))

	// Make sure we call the callbacks
	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Fatal("reload callback was not called")
	}
}
