package adapter

import "testing"

func TestScrubMasksSecretFields(t *testing.T) {
	in := map[string]any{
		"name":     "customer1",
		"password": "hunter2",
		"service":  "pppoe",
	}
	out := Scrub(in)

	if got := out["password"]; got != "***" {
		t.Errorf("password = %v, want ***", got)
	}
	if got := out["name"]; got != "customer1" {
		t.Errorf("name = %v, want customer1", got)
	}
	// The input must stay untouched.
	if in["password"] != "hunter2" {
		t.Error("Scrub modified its input")
	}
}

func TestScrubNested(t *testing.T) {
	in := map[string]any{
		"request": map[string]any{
			"snmp-community": "public",
			"community":      "public",
			"host":           "10.0.0.1",
		},
	}
	out := Scrub(in)

	nested := out["request"].(map[string]any)
	if nested["community"] != "***" {
		t.Errorf("community = %v, want ***", nested["community"])
	}
	if nested["host"] != "10.0.0.1" {
		t.Errorf("host = %v, want 10.0.0.1", nested["host"])
	}
}

func TestScrubSuffixVariants(t *testing.T) {
	tests := []struct {
		key    string
		secret bool
	}{
		{"password", true},
		{"PASSWORD", true},
		{"enable-password", true},
		{"pppoe_secret", true},
		{"token", true},
		{"username", false},
		{"keyboard", false},
		{"max-limit", false},
	}
	for _, tt := range tests {
		out := Scrub(map[string]any{tt.key: "value"})
		masked := out[tt.key] == "***"
		if masked != tt.secret {
			t.Errorf("Scrub key %q: masked = %v, want %v", tt.key, masked, tt.secret)
		}
	}
}

func TestScrubNil(t *testing.T) {
	if got := Scrub(nil); got != nil {
		t.Errorf("Scrub(nil) = %v, want nil", got)
	}
}
