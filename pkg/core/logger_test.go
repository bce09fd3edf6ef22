package core

import (
	"testing"
)

func TestNewDefaultLogger(t *testing.T) {
	logger := NewDefaultLogger()

	if logger == nil {
		t.Error("NewDefaultLogger() should not return nil")
	}

	// Methods must not panic
	logger.Error("test error")
	logger.Errorf("test error: %s", "message")
	logger.Warn("test warning")
	logger.Warnf("test warning: %s", "message")
	logger.Info("test info")
	logger.Infof("test info: %s", "message")
	logger.Debug("test debug")
	logger.Debugf("test debug: %s", "message")
}

func TestNewPrefixLogger(t *testing.T) {
	logger := NewPrefixLogger("sweeper")

	if logger == nil {
		t.Fatal("NewPrefixLogger() should not return nil")
	}

	logger.Infof("tick %d", 1)
	logger.Warn("nothing eligible")
}

func TestNewNopLogger(t *testing.T) {
	logger := NewNopLogger()

	logger.Error("dropped")
	logger.Errorf("dropped %d", 1)
	logger.Warn("dropped")
	logger.Warnf("dropped %d", 2)
	logger.Info("dropped")
	logger.Infof("dropped %d", 3)
	logger.Debug("dropped")
	logger.Debugf("dropped %d", 4)
}
