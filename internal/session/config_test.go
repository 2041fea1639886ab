package session_test

import (
	"testing"

	"github.com/pico-continuousd/pico-continuousd/internal/session"
)

func TestOverlayDefaultsOnly(t *testing.T) {
	cfg, err := session.Overlay(nil, nil)
	if err != nil {
		t.Fatalf("overlay: %v", err)
	}
	want := session.Defaults()
	if cfg != want {
		t.Fatalf("got %+v, want defaults %+v", cfg, want)
	}
}

func TestOverlayFileCannotSetAnyUser(t *testing.T) {
	fileJSON := []byte(`{"any_user": true, "timeout_seconds": 60}`)
	cfg, err := session.Overlay(fileJSON, nil)
	if err != nil {
		t.Fatalf("overlay: %v", err)
	}
	if cfg.AnyUser {
		t.Fatal("file overlay must never set any_user")
	}
	if cfg.TimeoutSecs != 60 {
		t.Fatalf("expected timeout_seconds from file, got %d", cfg.TimeoutSecs)
	}
}

func TestOverlayCallerCanSetAnyUser(t *testing.T) {
	cfg, err := session.Overlay(nil, []byte(`{"any_user": true}`))
	if err != nil {
		t.Fatalf("overlay: %v", err)
	}
	if !cfg.AnyUser {
		t.Fatal("caller overlay should be able to set any_user")
	}
}

func TestOverlayCallerOverridesFileExceptAnyUser(t *testing.T) {
	fileJSON := []byte(`{"any_user": true, "channel_type": "stream", "timeout_seconds": 10}`)
	callerJSON := []byte(`{"any_user": true, "channel_type": "rvp"}`)

	cfg, err := session.Overlay(fileJSON, callerJSON)
	if err != nil {
		t.Fatalf("overlay: %v", err)
	}
	if cfg.ChannelType != session.ChannelTypeRvp {
		t.Fatalf("expected caller channel_type to win, got %q", cfg.ChannelType)
	}
	if cfg.TimeoutSecs != 10 {
		t.Fatalf("expected file's timeout_seconds to survive, got %d", cfg.TimeoutSecs)
	}
	if !cfg.AnyUser {
		t.Fatal("expected caller's any_user=true to apply")
	}
}

func TestOverlayNormalisesTrailingSlash(t *testing.T) {
	cfg, err := session.Overlay(nil, []byte(`{"rvp_url_prefix":"http://host/channel","config_dir":"/etc/pico"}`))
	if err != nil {
		t.Fatalf("overlay: %v", err)
	}
	if cfg.RvpURLPrefix != "http://host/channel/" {
		t.Fatalf("expected trailing slash appended, got %q", cfg.RvpURLPrefix)
	}
	if cfg.ConfigDir != "/etc/pico/" {
		t.Fatalf("expected trailing slash appended, got %q", cfg.ConfigDir)
	}
}

func TestOverlayDefaultTimeoutIsZero(t *testing.T) {
	cfg := session.Defaults()
	if cfg.TimeoutSecs != 0 {
		t.Fatalf("expected default timeout_seconds=0 (no timeout), got %d", cfg.TimeoutSecs)
	}
}

// TestOverlayAcceptsNumericBooleans covers callers that send 0/1 for
// boolean flags instead of JSON true/false.
func TestOverlayAcceptsNumericBooleans(t *testing.T) {
	fileJSON := []byte(`{"any_user":1}`)
	callerJSON := []byte(`{"any_user":0,"continuous":1,"beacons":0}`)

	cfg, err := session.Overlay(fileJSON, callerJSON)
	if err != nil {
		t.Fatalf("overlay: %v", err)
	}
	if cfg.AnyUser {
		t.Fatal("expected caller's any_user=0 to win over the file's any_user=1")
	}
	if !cfg.Continuous {
		t.Fatal("expected caller's continuous=1 to set Continuous=true")
	}
	if cfg.Beacons {
		t.Fatal("expected caller's beacons=0 to set Beacons=false")
	}
}

func TestOverlayMalformedJSON(t *testing.T) {
	if _, err := session.Overlay([]byte(`{not json`), nil); err == nil {
		t.Fatal("expected error for malformed file overlay")
	}
	if _, err := session.Overlay(nil, []byte(`{not json`)); err == nil {
		t.Fatal("expected error for malformed caller overlay")
	}
}
