package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

func TestNewRejectsUnknownLevelAndFormat(t *testing.T) {
	if _, _, err := New(Config{Level: "loud"}); err == nil {
		t.Fatal("expected level error")
	}
	if _, _, err := New(Config{Format: "xml"}); err == nil {
		t.Fatal("expected format error")
	}
}

func TestNewWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "portal.log")
	log, closer, err := New(Config{Level: "debug", Format: "json", File: path})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	log.WithField("user_id", "u1").Debug("resolved")
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected log output in file")
	}
	if log.GetLevel() != logrus.DebugLevel {
		t.Fatalf("unexpected level %v", log.GetLevel())
	}
}

func TestWithComponentTagsEntries(t *testing.T) {
	log, hook := test.NewNullLogger()
	WithComponent(log, "permcache").Info("hello")
	entry := hook.LastEntry()
	if entry == nil || entry.Data["component"] != "permcache" {
		t.Fatalf("expected component field, got %+v", entry)
	}
}
