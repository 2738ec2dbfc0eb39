//go:build e2e

package comprehensive

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

// ===== T1: REST API tests against the sample skills folder =====

func TestAPI_HealthCheck(t *testing.T) {
	status, body := apiGet(t, "/api/health")
	if status != 200 {
		t.Fatalf("expected 200, got %d", status)
	}
	m := decodeMap(t, body)
	if m["status"] != "ok" {
		t.Errorf("expected status ok, got %v", m["status"])
	}
	if m["runtime"] != "nuka" {
		t.Errorf("expected runtime nuka, got %v", m["runtime"])
	}
}

func TestAPI_SkillsPublished(t *testing.T) {
	status, body := apiGet(t, "/api/skills")
	if status != 200 {
		t.Fatalf("list skills: expected 200, got %d", status)
	}
	keys := map[string]bool{}
	for _, item := range decodeSlice(t, body) {
		if s, ok := item.(map[string]interface{}); ok {
			keys[fmt.Sprint(s["key"])] = true
		}
	}
	for _, want := range []string{"basics.yaml:Echo", "basics.yaml:Counter", "math/sum.yaml:Sum"} {
		if !keys[want] {
			t.Errorf("schema %s not published (have %v)", want, keys)
		}
	}

	status, body = apiGet(t, "/api/skills/basics.yaml:Counter")
	if status != 200 {
		t.Fatalf("get skill: expected 200, got %d", status)
	}
	schema := decodeMap(t, body)
	config, _ := schema["config"].(map[string]interface{})
	if config["multiplier"] != float64(10) {
		t.Errorf("expected imported multiplier 10, got %v", config["multiplier"])
	}

	status, _ = apiGet(t, "/api/skills/basics.yaml:Missing")
	if status != 404 {
		t.Errorf("expected 404 for unknown skill, got %d", status)
	}
}

func TestAPI_ListingResolves(t *testing.T) {
	status, body := apiGet(t, "/api/listing")
	if status != 200 {
		t.Fatalf("listing: expected 200, got %d", status)
	}
	m := decodeMap(t, body)
	commands, _ := m["commands"].(map[string]interface{})
	for _, name := range []string{"echo", "count", "sum"} {
		if _, ok := commands[name]; !ok {
			t.Errorf("command %s missing from listing", name)
		}
	}
}

func TestAPI_SumLifecycle(t *testing.T) {
	status, body := apiPost(t, "/api/invoke", map[string]interface{}{
		"command": "sum",
		"params":  map[string]interface{}{"in": 2},
	})
	if status != 201 {
		t.Fatalf("invoke: expected 201, got %d (body: %s)", status, string(body))
	}
	var inv struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &inv); err != nil || inv.ID == "" {
		t.Fatalf("invoke returned no id: %s", string(body))
	}

	status, _ = apiPost(t, "/api/instances/"+inv.ID+"/inputs/in", map[string]interface{}{"value": 3})
	if status != 202 {
		t.Fatalf("push: expected 202, got %d", status)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		status, body = apiGet(t, "/api/instances/"+inv.ID+"/outputs/total?timeout=2s")
		if status != 200 {
			t.Fatalf("pull: expected 200, got %d (body: %s)", status, string(body))
		}
		if decodeMap(t, body)["value"] == float64(5) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("total never reached 5, last body %s", string(body))
		}
		time.Sleep(50 * time.Millisecond)
	}

	status, _ = apiDelete(t, "/api/instances/"+inv.ID)
	if status != 200 {
		t.Fatalf("revoke: expected 200, got %d", status)
	}
	status, _ = apiGet(t, "/api/instances/"+inv.ID)
	if status != 404 {
		t.Errorf("expected 404 after revoke, got %d", status)
	}
}

func TestAPI_InvokeValidation(t *testing.T) {
	status, _ := apiPost(t, "/api/invoke", map[string]interface{}{"command": "does-not-exist"})
	if status != 404 {
		t.Errorf("expected 404 for unknown command, got %d", status)
	}
	status, _ = apiPost(t, "/api/invoke", map[string]interface{}{
		"command": "echo",
		"params":  map[string]interface{}{"bogus": true},
	})
	if status != 400 {
		t.Errorf("expected 400 for unknown input, got %d", status)
	}
}

func TestAPI_Status(t *testing.T) {
	status, body := apiGet(t, "/api/status")
	if status != 200 {
		t.Fatalf("status: expected 200, got %d", status)
	}
	m := decodeMap(t, body)
	if n, _ := m["schemas"].(float64); n < 3 {
		t.Errorf("expected at least 3 schemas, got %v", m["schemas"])
	}
}
