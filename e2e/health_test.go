package e2e

import "testing"

func TestHealth(t *testing.T) {
	ta := setupApp(t)

	resp, err := doRequest(ta.app, "GET", "/health", "", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	assertStatus(t, resp, 200)

	body := parseJSON(t, resp)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}

	services, ok := body["services"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected a services map, got %v", body)
	}
	backends, ok := services["backends"].([]interface{})
	if !ok || len(backends) != 2 {
		t.Errorf("expected 2 reported backends, got %v", services["backends"])
	}
}
