package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/portgate/portgate/internal/config"
	"github.com/portgate/portgate/internal/domain"
	"github.com/portgate/portgate/internal/log"
	"github.com/portgate/portgate/internal/store/sqlite"
)

func freePortRange(t *testing.T, n int) int {
	t.Helper()
	for attempt := 0; attempt < 40; attempt++ {
		probe, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		base := probe.Addr().(*net.TCPAddr).Port
		_ = probe.Close()
		if base+n-1 > 65535 {
			continue
		}

		listeners := make([]net.Listener, 0, n)
		ok := true
		for p := base; p < base+n; p++ {
			ln, err := net.Listen("tcp", fmt.Sprintf(":%d", p))
			if err != nil {
				ok = false
				break
			}
			listeners = append(listeners, ln)
		}
		for _, ln := range listeners {
			_ = ln.Close()
		}
		if ok {
			return base
		}
	}
	t.Fatal("could not find a free port range")
	return 0
}

func newTestServer(t *testing.T, ports int) (*Server, *httptest.Server) {
	t.Helper()
	base := freePortRange(t, ports)
	cfg := config.ServerConfig{
		PublicHost:  "tunnel.test",
		Region:      "test-1",
		BasePort:    base,
		MaxPort:     base + ports - 1,
		TargetHost:  "127.0.0.1",
		DialTimeout: time.Second,
	}
	store, err := sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	s := New(cfg, store, log.NewWithWriter(io.Discard, "error"))
	t.Cleanup(s.controller.Shutdown)

	ts := httptest.NewServer(s.routes())
	t.Cleanup(ts.Close)
	return s, ts
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })

	var out map[string]any
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	_ = json.Unmarshal(raw, &out)
	return resp, out
}

func createKeyHTTP(t *testing.T, baseURL string) string {
	t.Helper()
	resp, body := postJSON(t, baseURL+"/generate-api-key", map[string]any{"user": "tester"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("generate-api-key: expected 200, got %d", resp.StatusCode)
	}
	key, _ := body["apiKey"].(string)
	if key == "" {
		t.Fatal("expected apiKey in response")
	}
	return key
}

func TestGenerateAPIKeyRequiresUser(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, 1)
	resp, _ := postJSON(t, ts.URL+"/generate-api-key", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing user, got %d", resp.StatusCode)
	}
}

func TestRegisterStopStatusFlow(t *testing.T) {
	t.Parallel()

	s, ts := newTestServer(t, 2)
	key := createKeyHTTP(t, ts.URL)

	// Missing localPort rejected with no side effects.
	resp, _ := postJSON(t, ts.URL+"/register", map[string]any{"apiKey": key})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing localPort, got %d", resp.StatusCode)
	}
	if s.controller.ActiveCount() != 0 {
		t.Fatal("expected no tunnels after rejected register")
	}

	// Unknown key rejected.
	resp, _ = postJSON(t, ts.URL+"/register", map[string]any{"apiKey": "bogus", "localPort": 8080})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for unknown key, got %d", resp.StatusCode)
	}

	resp, body := postJSON(t, ts.URL+"/register", map[string]any{"apiKey": key, "localPort": 8080})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	tunnelID, _ := body["tunnelId"].(string)
	publicAddress, _ := body["publicAddress"].(string)
	if tunnelID == "" || publicAddress == "" {
		t.Fatalf("incomplete register response: %v", body)
	}
	if body["region"] != "test-1" {
		t.Fatalf("unexpected region: %v", body["region"])
	}
	statusPage, _ := body["statusPage"].(string)
	if !strings.HasSuffix(statusPage, "/status/"+tunnelID) {
		t.Fatalf("unexpected statusPage: %q", statusPage)
	}

	// Status reflects the registration.
	stResp, err := http.Get(ts.URL + "/status/" + tunnelID)
	if err != nil {
		t.Fatal(err)
	}
	defer stResp.Body.Close()
	if stResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 status, got %d", stResp.StatusCode)
	}
	var st statusResponse
	if err := json.NewDecoder(stResp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.TunnelID != tunnelID || st.LocalPort != 8080 || st.PublicAddress != publicAddress {
		t.Fatalf("status mismatch: %+v", st)
	}

	// Stop with a different key is forbidden.
	otherKey := createKeyHTTP(t, ts.URL)
	resp, _ = postJSON(t, ts.URL+"/stop", map[string]any{"apiKey": otherKey, "tunnelId": tunnelID})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for key mismatch, got %d", resp.StatusCode)
	}

	// Missing tunnelId rejected.
	resp, _ = postJSON(t, ts.URL+"/stop", map[string]any{"apiKey": key})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing tunnelId, got %d", resp.StatusCode)
	}

	resp, _ = postJSON(t, ts.URL+"/stop", map[string]any{"apiKey": key, "tunnelId": tunnelID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 stop, got %d", resp.StatusCode)
	}

	// The tunnel is gone: status 404, repeated stop 404.
	stResp2, err := http.Get(ts.URL + "/status/" + tunnelID)
	if err != nil {
		t.Fatal(err)
	}
	defer stResp2.Body.Close()
	if stResp2.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after stop, got %d", stResp2.StatusCode)
	}
	resp, _ = postJSON(t, ts.URL+"/stop", map[string]any{"apiKey": key, "tunnelId": tunnelID})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on repeated stop, got %d", resp.StatusCode)
	}
}

func TestStatusUnknownTunnel(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, 1)
	resp, err := http.Get(ts.URL + "/status/t_missing")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestEventsFeedDeliversLifecycleEvents(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, 1)
	key := createKeyHTTP(t, ts.URL)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	resp, body := postJSON(t, ts.URL+"/register", map[string]any{"apiKey": key, "localPort": 8080})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	tunnelID, _ := body["tunnelId"].(string)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var evt domain.Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatal(err)
	}
	if evt.Kind != domain.EventTunnelRegistered || evt.TunnelID != tunnelID {
		t.Fatalf("unexpected event: %+v", evt)
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, 1)
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestRegisterRequiresPOST(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, 1)
	resp, err := http.Get(ts.URL + "/register")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}
