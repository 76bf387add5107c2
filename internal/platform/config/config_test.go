package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnv_fallbacks(t *testing.T) {
	t.Setenv("CFG_TEST_INT", "not a number")
	t.Setenv("CFG_TEST_DURATION", "250ms")
	t.Setenv("CFG_TEST_BOOL", "true")

	if got := GetEnv("CFG_TEST_UNSET", "x"); got != "x" {
		t.Errorf("GetEnv = %q", got)
	}
	if got := GetEnvInt("CFG_TEST_INT", 7); got != 7 {
		t.Errorf("GetEnvInt = %d, want fallback 7", got)
	}
	if got := GetEnvDuration("CFG_TEST_DURATION", time.Second); got != 250*time.Millisecond {
		t.Errorf("GetEnvDuration = %v", got)
	}
	if got := GetEnvBool("CFG_TEST_BOOL", false); !got {
		t.Error("GetEnvBool = false")
	}
}

func TestFromEnv_defaults(t *testing.T) {
	cfg := FromEnv()
	if cfg.RestPort != 9555 || cfg.BufferSlots != 100 || cfg.SlotBytes != 2<<20 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.UserID != -1 || cfg.HeaderFields != "pulse_id:uint64" {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestLoad_dotenv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("WRITER_N_FRAMES=42\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("WRITER_N_FRAMES", "")
	os.Unsetenv("WRITER_N_FRAMES")

	if err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := FromEnv().NFrames; got != 42 {
		t.Errorf("NFrames = %d, want 42", got)
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := FromEnv()
	cfg.ConnectAddress = "tcp://127.0.0.1:9999"
	cfg.OutputFile = "/tmp/out.db"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := cfg
	bad.BufferSlots = 0
	if bad.Validate() == nil {
		t.Error("zero buffer slots accepted")
	}

	bad = cfg
	bad.OutputFile = ""
	if bad.Validate() == nil {
		t.Error("empty output file accepted")
	}

	bad = cfg
	bad.ParametersRetryInterval = 0
	if bad.Validate() == nil {
		t.Error("zero retry interval accepted")
	}
}
