package logger

import (
	"bytes"
	"testing"

	"github.com/pion/logging"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetup(t *testing.T) {
	defer log.SetOutput(log.StandardLogger().Out)
	defer log.SetLevel(log.GetLevel())
	defer log.SetFormatter(log.StandardLogger().Formatter)

	var buf bytes.Buffer
	require.NoError(t, Setup("debug", "json", &buf))
	assert.Equal(t, log.DebugLevel, log.GetLevel())

	log.WithField("k", "v").Debug("hello")
	assert.Contains(t, buf.String(), `"k":"v"`)

	assert.Error(t, Setup("loud", "text", nil))
	assert.Error(t, Setup("info", "xml", nil))
}

func newTestLogger() (*log.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := log.New()
	l.SetOutput(&buf)
	l.SetLevel(log.TraceLevel)
	l.SetFormatter(&log.TextFormatter{DisableTimestamp: true})
	return l, &buf
}

func TestPionFactory(t *testing.T) {
	l, buf := newTestLogger()

	var f logging.LoggerFactory = NewPionFactory(l)
	ice := f.NewLogger("ice")
	ice.Debugf("candidate %d", 1)
	ice.Warnf("lost %s", "connectivity")

	out := buf.String()
	assert.NotContains(t, out, "candidate 1")
	assert.Contains(t, out, "lost connectivity")
	assert.Contains(t, out, "scope=ice")
}

func TestPionFactoryScopeLevels(t *testing.T) {
	l, buf := newTestLogger()
	l.SetLevel(log.InfoLevel)

	f := &PionFactory{
		Logger:      l,
		ScopeLevels: map[string]log.Level{"pc": log.DebugLevel, "dtls": log.ErrorLevel},
	}

	f.NewLogger("pc").Debug("filtered by logger level")
	f.NewLogger("pc").Info("pc info")
	f.NewLogger("dtls").Warn("dtls warn")
	f.NewLogger("dtls").Error("dtls error")

	out := buf.String()
	assert.NotContains(t, out, "filtered by logger level")
	assert.Contains(t, out, "pc info")
	assert.NotContains(t, out, "dtls warn")
	assert.Contains(t, out, "dtls error")
}
