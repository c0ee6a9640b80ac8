package metrics

import "testing"

func TestNormalizeRoute(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		// Known exact routes.
		{"/healthz", "/healthz"},
		{"/readyz", "/readyz"},
		{"/metrics", "/metrics"},
		{"/", "/"},
		{"/api/v1/search", "/api/v1/search"},
		{"/api/v1/observations", "/api/v1/observations"},
		{"/api/v1/ephemeris", "/api/v1/ephemeris"},
		{"/api/v1/status", "/api/v1/status"},

		// Parameterized observation routes collapse to one label.
		{"/api/v1/observations/ztf-0001", "/api/v1/observations/{id}"},
		{"/api/v1/observations/neat-991231-042", "/api/v1/observations/{id}"},

		// Unknown/bot paths collapse to "other".
		{"/wp-admin", "other"},
		{"/robots.txt", "other"},
		{"/.env", "other"},
		{"/api/v2/something", "other"},
		{"/favicon.ico", "other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := normalizeRoute(tt.path)
			if got != tt.want {
				t.Errorf("normalizeRoute(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

// TestMetricsCardinality verifies that many unique observation IDs produce
// exactly one distinct path label.
func TestMetricsCardinality(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		label := normalizeRoute("/api/v1/observations/" + string(rune('a'+i%26)) + string(rune('0'+i%10)))
		seen[label] = true
	}
	if len(seen) != 1 {
		t.Errorf("expected 1 unique label for parameterized paths, got %d: %v", len(seen), seen)
	}
}
