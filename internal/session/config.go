package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/json"
)

// ErrConfigMalformed is returned when a file or caller overlay is not
// valid JSON.
var ErrConfigMalformed = errors.New("session: config malformed")

// ChannelType selects which ByteChannel implementation a session uses.
type ChannelType string

const (
	ChannelTypeRvp    ChannelType = "rvp"
	ChannelTypeStream ChannelType = "stream"
	ChannelTypeAttr   ChannelType = "attr"
)

// Config is the per-session configuration surface. AnyUser is
// locked: once set by the caller it can never be overridden by the
// on-disk file overlay, no matter what the file contains. Beacons only
// enables or disables the campaign; the target address set itself is a
// daemon-wide resource loaded once from bluetooth.txt (internal/confload),
// not part of the per-session overlay.
type Config struct {
	Continuous   bool        `json:"continuous"`
	ChannelType  ChannelType `json:"channel_type"`
	Beacons      bool        `json:"beacons"`
	AnyUser      bool        `json:"any_user"`
	TimeoutSecs  int         `json:"timeout_seconds"`
	RvpURLPrefix string      `json:"rvp_url_prefix"`
	ConfigDir    string      `json:"config_dir"`
}

// Defaults returns the baseline configuration applied before any file or
// caller overlay. TimeoutSecs defaults to 0, meaning no session-level
// timeout.
func Defaults() Config {
	return Config{
		Continuous:   false,
		ChannelType:  ChannelTypeRvp,
		Beacons:      false,
		AnyUser:      false,
		TimeoutSecs:  0,
		RvpURLPrefix: "http://127.0.0.1:8080/channel/",
		ConfigDir:    "/etc/pico-continuousd/",
	}
}

// jsonParser is koanf's decoder used purely to turn a raw JSON byte slice
// into a map[string]any; the merge semantics below are bespoke (koanf's
// own layered-merge would happily let the file overlay clobber AnyUser,
// which this format must never allow).
var jsonParser = json.Parser()

// Overlay builds the effective Config by layering Defaults(), then the
// on-disk file bytes (if non-nil), then the caller-supplied bytes (if
// non-nil). any_user from the file layer is always discarded: it is only
// ever taken from Defaults() or the caller layer.
func Overlay(fileJSON, callerJSON []byte) (Config, error) {
	cfg := Defaults()

	if len(fileJSON) > 0 {
		fileMap, err := jsonParser.Unmarshal(fileJSON)
		if err != nil {
			return Config{}, fmt.Errorf("%w: file overlay: %v", ErrConfigMalformed, err)
		}
		delete(fileMap, "any_user")
		applyMap(&cfg, fileMap)
	}

	if len(callerJSON) > 0 {
		callerMap, err := jsonParser.Unmarshal(callerJSON)
		if err != nil {
			return Config{}, fmt.Errorf("%w: caller overlay: %v", ErrConfigMalformed, err)
		}
		applyMap(&cfg, callerMap)
	}

	return cfg, nil
}

// applyMap copies the subset of well-known keys present in m onto cfg,
// leaving every key cfg already has untouched if m does not mention it.
func applyMap(cfg *Config, m map[string]any) {
	if v, ok := boolValue(m["continuous"]); ok {
		cfg.Continuous = v
	}
	if v, ok := m["channel_type"].(string); ok {
		cfg.ChannelType = ChannelType(v)
	}
	if v, ok := boolValue(m["beacons"]); ok {
		cfg.Beacons = v
	}
	if v, ok := boolValue(m["any_user"]); ok {
		cfg.AnyUser = v
	}
	if v, ok := m["timeout_seconds"].(float64); ok {
		cfg.TimeoutSecs = int(v)
	}
	if v, ok := m["rvp_url_prefix"].(string); ok {
		cfg.RvpURLPrefix = ensureTrailingSlash(v)
	}
	if v, ok := m["config_dir"].(string); ok {
		cfg.ConfigDir = ensureTrailingSlash(v)
	}
}

// boolValue accepts the two JSON encodings this config format's callers
// actually send for a flag: a native JSON boolean, or a C-style 0/1
// number (PAM-side callers write `"beacons":0` and `"continuous":1`). A
// key absent from m, or present with any other shape, reports ok=false
// and leaves the field untouched.
func boolValue(raw any) (bool, bool) {
	switch v := raw.(type) {
	case bool:
		return v, true
	case float64:
		return v != 0, true
	default:
		return false, false
	}
}

// ensureTrailingSlash appends "/" to s if it is non-empty and does not
// already end with one.
func ensureTrailingSlash(s string) string {
	if s == "" || strings.HasSuffix(s, "/") {
		return s
	}
	return s + "/"
}
