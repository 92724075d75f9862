package node

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ryandielhenn/driftdoc/pkg/document"
)

type fakeRegistry struct {
	mu    sync.Mutex
	tasks []document.QueryTask
}

func (f *fakeRegistry) RegisterQueryTask(_ context.Context, task document.QueryTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	return nil
}

func (f *fakeRegistry) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

func newTestNode(t *testing.T, id string, opts document.Options) (*Node, *fakeRegistry, *httptest.Server) {
	t.Helper()
	reg := &fakeRegistry{}
	n := New(id, ":0", nil, reg, opts, nil)
	srv := httptest.NewServer(n.Handler())
	t.Cleanup(func() {
		srv.Close()
		n.Stop()
	})
	return n, reg, srv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func waitForPayload(t *testing.T, client *http.Client, url, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, data := doJSON(t, client, http.MethodGet, url, nil)
		if resp.StatusCode == http.StatusOK {
			var s document.State
			if err := json.Unmarshal(data, &s); err == nil && s.Payload == want {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("document at %s never reached payload %q", url, want)
}

func TestStartConvergeScenario(t *testing.T) {
	_, reg, srv := newTestNode(t, "n1", document.Options{OwnerSelection: true})
	client := srv.Client()

	resp, data := doJSON(t, client, http.MethodPost, srv.URL+"/documents",
		map[string]string{"identity": "docA", "payload": "x"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d, body %s", resp.StatusCode, data)
	}
	if reg.count() != 1 {
		t.Fatalf("registered %d discovery tasks, want 1", reg.count())
	}

	// The replica self-patches until its payload is its own identity.
	waitForPayload(t, client, srv.URL+"/documents/docA", "docA")
}

func TestStartMissingBody(t *testing.T) {
	_, _, srv := newTestNode(t, "n1", document.Options{})

	resp, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/documents",
		map[string]string{"identity": "docA"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var er document.ErrorResponse
	if err := json.Unmarshal(data, &er); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if er.Message != "body is required" {
		t.Fatalf("message = %q", er.Message)
	}
}

func TestStartDuplicateConflicts(t *testing.T) {
	_, _, srv := newTestNode(t, "n1", document.Options{})
	client := srv.Client()

	body := map[string]string{"identity": "docA", "payload": "x"}
	if resp, _ := doJSON(t, client, http.MethodPost, srv.URL+"/documents", body); resp.StatusCode != http.StatusOK {
		t.Fatalf("first start = %d", resp.StatusCode)
	}
	if resp, _ := doJSON(t, client, http.MethodPost, srv.URL+"/documents", body); resp.StatusCode != http.StatusConflict {
		t.Fatalf("second start = %d, want 409", resp.StatusCode)
	}
}

func TestPatchErrorPayloadCarriesCanary(t *testing.T) {
	_, _, srv := newTestNode(t, "n1", document.Options{})
	client := srv.Client()

	doJSON(t, client, http.MethodPost, srv.URL+"/documents",
		map[string]string{"identity": "docA", "payload": "x"})

	resp, data := doJSON(t, client, http.MethodPatch, srv.URL+"/documents/docA",
		map[string]string{"payload": ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	var er document.ErrorResponse
	if err := json.Unmarshal(data, &er); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if er.Message != "payload is required" {
		t.Fatalf("message = %q", er.Message)
	}
	// The canary proves the structured payload, not just the message,
	// survived transport.
	if math.Abs(er.CustomErrorField-math.Pi) > 1e-12 {
		t.Fatalf("customErrorField = %v, want pi", er.CustomErrorField)
	}
}

func TestPatchStatusMapping(t *testing.T) {
	_, _, srv := newTestNode(t, "n1", document.Options{OwnerSelection: true})
	client := srv.Client()

	doJSON(t, client, http.MethodPost, srv.URL+"/documents",
		map[string]string{"identity": "docA", "payload": "x"})
	waitForPayload(t, client, srv.URL+"/documents/docA", "docA")

	var taskRef string
	{
		resp, data := doJSON(t, client, http.MethodGet, srv.URL+"/documents/docA", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("get = %d", resp.StatusCode)
		}
		var s document.State
		if err := json.Unmarshal(data, &s); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		taskRef = s.LinkedTaskRef
	}

	// Redelivered converging patch: not modified, not success.
	resp, _ := doJSON(t, client, http.MethodPatch, srv.URL+"/documents/docA",
		map[string]string{"payload": "docA", "linkedTaskRef": taskRef})
	if resp.StatusCode != http.StatusNotModified {
		t.Fatalf("redelivery status = %d, want 304", resp.StatusCode)
	}

	// Delayed pre-convergence patch: state error.
	resp, _ = doJSON(t, client, http.MethodPatch, srv.URL+"/documents/docA",
		map[string]string{"payload": "stale"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("stale status = %d, want 409", resp.StatusCode)
	}

	// Identity mismatch: state error.
	resp, _ = doJSON(t, client, http.MethodPatch, srv.URL+"/documents/docA",
		map[string]string{"payload": "other", "targetIdentity": "docB"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("mismatch status = %d, want 409", resp.StatusCode)
	}

	// Client override: accepted even after stable.
	resp, _ = doJSON(t, client, http.MethodPatch, srv.URL+"/documents/docA",
		map[string]string{"payload": "client-final"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("override status = %d, want 200", resp.StatusCode)
	}
	waitForPayload(t, client, srv.URL+"/documents/docA", "client-final")
}

func TestMaintenanceEndpointCounters(t *testing.T) {
	_, _, srv := newTestNode(t, "n1", document.Options{})
	client := srv.Client()

	doJSON(t, client, http.MethodPost, srv.URL+"/documents",
		map[string]string{"identity": "docA", "payload": "x"})

	murl := srv.URL + "/documents/docA/maintenance"
	resp, _ := doJSON(t, client, http.MethodPost, murl, document.MaintenanceRequest{
		Reasons: []document.MaintenanceReason{document.ReasonServiceOptionToggle},
		ConfigUpdate: &document.ConfigUpdate{
			AddOptions: []document.Option{document.OptionDocumentOwner},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("maintenance status = %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, client, http.MethodPost, murl, document.MaintenanceRequest{
		Reasons: []document.MaintenanceReason{document.ReasonServiceOptionToggle},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("maintenance status = %d", resp.StatusCode)
	}

	_, data := doJSON(t, client, http.MethodGet, srv.URL+"/documents/docA/stats", nil)
	var stats map[string]uint64
	if err := json.Unmarshal(data, &stats); err != nil {
		t.Fatalf("unmarshal stats: %v", err)
	}
	if stats[document.StatOwnerToggle] != 1 || stats[document.StatMissingOwnerToggle] != 1 {
		t.Fatalf("counters = %d/%d, want 1/1",
			stats[document.StatOwnerToggle], stats[document.StatMissingOwnerToggle])
	}
}

func TestGetMissingDocument(t *testing.T) {
	_, _, srv := newTestNode(t, "n1", document.Options{})
	resp, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/documents/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestSetPeersTogglesOwnership(t *testing.T) {
	n, _, srv := newTestNode(t, "n1", document.Options{})
	client := srv.Client()

	// Another node owns everything first, so docA starts unowned.
	n.SetPeers(map[string]string{"n2": "other:8080"})
	doJSON(t, client, http.MethodPost, srv.URL+"/documents",
		map[string]string{"identity": "docA", "payload": "x"})

	// Ownership arrives, then departs.
	n.SetPeers(map[string]string{"n1": "self:8080"})
	n.SetPeers(map[string]string{"n2": "other:8080"})

	r, ok := n.Docs().Get("docA")
	if !ok {
		t.Fatal("docA missing")
	}
	if got := r.Stats().OwnerToggleCount(); got != 1 {
		t.Fatalf("owner toggles = %d, want 1", got)
	}
	if got := r.Stats().MissingOwnerToggleCount(); got != 1 {
		t.Fatalf("missing toggles = %d, want 1", got)
	}
}

func TestInfoAndHealthz(t *testing.T) {
	_, _, srv := newTestNode(t, "n1", document.Options{})
	client := srv.Client()

	resp, _ := doJSON(t, client, http.MethodGet, srv.URL+"/healthz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	doJSON(t, client, http.MethodPost, srv.URL+"/documents",
		map[string]string{"identity": "docA", "payload": "x"})
	_, data := doJSON(t, client, http.MethodGet, srv.URL+"/info", nil)
	var info struct {
		NodeID    string `json:"nodeId"`
		Documents int    `json:"documents"`
	}
	if err := json.Unmarshal(data, &info); err != nil {
		t.Fatalf("unmarshal info: %v", err)
	}
	if info.NodeID != "n1" || info.Documents != 1 {
		t.Fatalf("info = %+v", info)
	}
}
