package buildinfo

import (
	"encoding/json"
	"runtime"
	"runtime/debug"
	"testing"
)

func withoutVCS(t *testing.T) {
	t.Helper()
	orig := readBuildInfo
	readBuildInfo = func() (*debug.BuildInfo, bool) { return nil, false }
	t.Cleanup(func() { readBuildInfo = orig })
}

func setVars(t *testing.T, version, commit, built string) {
	t.Helper()
	origVersion, origCommit, origBuilt := Version, Commit, BuildTime
	Version, Commit, BuildTime = version, commit, built
	t.Cleanup(func() {
		Version, Commit, BuildTime = origVersion, origCommit, origBuilt
	})
}

func TestGet_ReturnsCorrectDefaults(t *testing.T) {
	withoutVCS(t)
	info := Get("meetpipe-cli")

	if info.ServiceName != "meetpipe-cli" {
		t.Errorf("expected ServiceName='meetpipe-cli', got %q", info.ServiceName)
	}
	if info.Version != "dev" {
		t.Errorf("expected Version='dev', got %q", info.Version)
	}
	if info.Commit != "unknown" {
		t.Errorf("expected Commit='unknown', got %q", info.Commit)
	}
	if info.BuildTime != "unknown" {
		t.Errorf("expected BuildTime='unknown', got %q", info.BuildTime)
	}
	if info.GoVersion != runtime.Version() {
		t.Errorf("expected GoVersion=%q, got %q", runtime.Version(), info.GoVersion)
	}
}

func TestGet_ServiceName(t *testing.T) {
	for _, serviceName := range []string{"meetpipe-cli", "meetpipe-worker"} {
		t.Run(serviceName, func(t *testing.T) {
			info := Get(serviceName)
			if info.ServiceName != serviceName {
				t.Errorf("expected ServiceName=%q, got %q", serviceName, info.ServiceName)
			}
		})
	}
}

func TestGet_FallsBackToVCSStamp(t *testing.T) {
	orig := readBuildInfo
	readBuildInfo = func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef"},
			{Key: "vcs.time", Value: "2026-03-01T09:00:00Z"},
			{Key: "vcs.modified", Value: "true"},
		}}, true
	}
	t.Cleanup(func() { readBuildInfo = orig })

	info := Get("meetpipe-cli")
	if info.Commit != "0123456" {
		t.Errorf("expected short commit, got %q", info.Commit)
	}
	if info.BuildTime != "2026-03-01T09:00:00Z" {
		t.Errorf("expected vcs time, got %q", info.BuildTime)
	}
	if !info.Modified {
		t.Error("expected Modified")
	}
}

func TestGet_LdflagsWinOverVCS(t *testing.T) {
	setVars(t, "v1.2.3", "abc123d", "2026-02-07T10:30:00Z")
	orig := readBuildInfo
	readBuildInfo = func() (*debug.BuildInfo, bool) {
		t.Error("build info read although ldflags are set")
		return nil, false
	}
	t.Cleanup(func() { readBuildInfo = orig })

	info := Get("meetpipe-worker")
	if info.Commit != "abc123d" || info.BuildTime != "2026-02-07T10:30:00Z" {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestString(t *testing.T) {
	setVars(t, "dev", "unknown", "unknown")
	if got := String(); got != "dev (unknown, unknown)" {
		t.Errorf("expected default String(), got %q", got)
	}

	setVars(t, "v1.2.3", "abc123d", "2026-02-07T10:30:00Z")
	if got := String(); got != "v1.2.3 (abc123d, 2026-02-07T10:30:00Z)" {
		t.Errorf("unexpected String()=%q", got)
	}
}

func TestUserAgent(t *testing.T) {
	setVars(t, "v0.3.0", "abc123d", "x")
	if got := UserAgent("linear"); got != "meetpipe/v0.3.0 (linear)" {
		t.Errorf("UserAgent(linear)=%q", got)
	}
	if got := UserAgent(""); got != "meetpipe/v0.3.0" {
		t.Errorf("UserAgent()=%q", got)
	}
}

func TestInfo_JSONSerialization(t *testing.T) {
	info := Info{
		ServiceName: "meetpipe-worker",
		Version:     "v1.0.0",
		Commit:      "abcd1234",
		BuildTime:   "2026-01-01T00:00:00Z",
		GoVersion:   "go1.24.0",
	}

	data, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("failed to marshal Info: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}

	expectedKeys := map[string]string{
		"service_name": "meetpipe-worker",
		"version":      "v1.0.0",
		"commit":       "abcd1234",
		"build_time":   "2026-01-01T00:00:00Z",
		"go_version":   "go1.24.0",
	}
	for key, expectedValue := range expectedKeys {
		value, ok := decoded[key]
		if !ok {
			t.Errorf("missing key %q in JSON output", key)
			continue
		}
		if value != expectedValue {
			t.Errorf("key %q: expected %q, got %v", key, expectedValue, value)
		}
	}
	// modified is omitted when false
	if len(decoded) != len(expectedKeys) {
		t.Errorf("expected %d keys in JSON, got %d", len(expectedKeys), len(decoded))
	}
}
