package server

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/Drizzley/throttle/internal/config"
	"github.com/Drizzley/throttle/internal/protocol"
	"github.com/Drizzley/throttle/internal/sem"
)

func testConfig(sems map[string]int64) *config.Config {
	return &config.Config{
		Host:            "127.0.0.1",
		Semaphores:      sems,
		DefaultLeaseTTL: 5 * time.Second,
		SweepInterval:   50 * time.Millisecond,
		ReadTimeout:     5 * time.Second,
		EventBuffer:     16,
	}
}

func newTestServer(t *testing.T, sems map[string]int64) (*httptest.Server, *sem.Engine) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg := testConfig(sems)
	engine := sem.New(cfg, log)
	srv := New(engine, cfg, log)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, engine
}

// do issues a request with an optional JSON body and returns the response
// status and body.
func do(t *testing.T, method, url, body string) (int, string) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, string(data)
}

func acquire(t *testing.T, ts *httptest.Server, body string) (int, string) {
	t.Helper()
	return do(t, http.MethodPost, ts.URL+"/acquire", body)
}

func leaseID(t *testing.T, body string) string {
	t.Helper()
	var resp protocol.AcquireResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatalf("decoding %q: %v", body, err)
	}
	return resp.LeaseID
}

// ---------------------------------------------------------------------------
// Acquire
// ---------------------------------------------------------------------------

func TestAcquire_Granted(t *testing.T) {
	ts, engine := newTestServer(t, map[string]int64{"db": 2})
	code, body := acquire(t, ts, `{"demands":{"db":1},"ttl":"1m"}`)
	if code != http.StatusCreated {
		t.Fatalf("status: got %d body %q", code, body)
	}
	if leaseID(t, body) == "" {
		t.Fatal("expected lease id")
	}
	if got := engine.Snapshot().Semaphores["db"].Held; got != 1 {
		t.Fatalf("held: got %d want 1", got)
	}
}

func TestAcquire_DefaultTTL(t *testing.T) {
	ts, engine := newTestServer(t, map[string]int64{"db": 1})
	// No ttl in the body means the configured default applies.
	code, body := acquire(t, ts, `{"demands":{"db":1}}`)
	if code != http.StatusCreated {
		t.Fatalf("status: got %d body %q", code, body)
	}
	if removed := engine.RemoveExpired(); removed != 0 {
		t.Fatalf("lease expired immediately, removed %d", removed)
	}
}

func TestAcquire_UnknownSemaphore(t *testing.T) {
	ts, _ := newTestServer(t, map[string]int64{"db": 2})
	code, body := acquire(t, ts, `{"demands":{"nope":1},"ttl":"1m"}`)
	if code != http.StatusBadRequest {
		t.Fatalf("status: got %d body %q", code, body)
	}
}

func TestAcquire_Unsatisfiable(t *testing.T) {
	ts, _ := newTestServer(t, map[string]int64{"db": 2})
	code, body := acquire(t, ts, `{"demands":{"db":3},"ttl":"1m","wait":"1h"}`)
	if code != http.StatusConflict {
		t.Fatalf("status: got %d body %q", code, body)
	}
}

func TestAcquire_Timeout(t *testing.T) {
	ts, _ := newTestServer(t, map[string]int64{"db": 1})
	if code, body := acquire(t, ts, `{"demands":{"db":1},"ttl":"1m"}`); code != http.StatusCreated {
		t.Fatalf("setup acquire: got %d body %q", code, body)
	}
	code, _ := acquire(t, ts, `{"demands":{"db":1},"ttl":"1m","wait":"30ms"}`)
	if code != http.StatusRequestTimeout {
		t.Fatalf("status: got %d", code)
	}
}

func TestAcquire_BadBody(t *testing.T) {
	ts, _ := newTestServer(t, map[string]int64{"db": 1})
	for _, body := range []string{
		"",
		"{not json",
		`{"demands":{},"ttl":"1m"}`,
		`{"demands":{"db":1},"ttl":"-5s"}`,
		`{"demands":{"db":1},"ttl":60}`,
	} {
		code, _ := acquire(t, ts, body)
		if code != http.StatusBadRequest {
			t.Errorf("body %q: got %d want 400", body, code)
		}
	}
}

func TestAcquire_BlocksUntilRelease(t *testing.T) {
	ts, _ := newTestServer(t, map[string]int64{"db": 1})
	code, body := acquire(t, ts, `{"demands":{"db":1},"ttl":"1m"}`)
	if code != http.StatusCreated {
		t.Fatalf("setup acquire: got %d body %q", code, body)
	}
	first := leaseID(t, body)

	type result struct {
		code int
		body string
	}
	waiter := make(chan result, 1)
	go func() {
		code, body := acquire(t, ts, `{"demands":{"db":1},"ttl":"1m","wait":"10s"}`)
		waiter <- result{code, body}
	}()

	// Give the waiter time to queue, then free the capacity.
	time.Sleep(50 * time.Millisecond)
	if code, body := do(t, http.MethodDelete, ts.URL+"/leases/"+first, ""); code != http.StatusOK {
		t.Fatalf("release: got %d body %q", code, body)
	}

	select {
	case r := <-waiter:
		if r.code != http.StatusCreated {
			t.Fatalf("queued acquire: got %d body %q", r.code, r.body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("queued acquire never completed")
	}
}

// ---------------------------------------------------------------------------
// Release / heartbeat
// ---------------------------------------------------------------------------

func TestRelease(t *testing.T) {
	ts, engine := newTestServer(t, map[string]int64{"db": 1})
	_, body := acquire(t, ts, `{"demands":{"db":1},"ttl":"1m"}`)
	id := leaseID(t, body)

	code, respBody := do(t, http.MethodDelete, ts.URL+"/leases/"+id, "")
	if code != http.StatusOK || !strings.Contains(respBody, "Lease released") {
		t.Fatalf("release: got %d body %q", code, respBody)
	}
	if got := engine.Snapshot().Semaphores["db"].Held; got != 0 {
		t.Fatalf("held: got %d want 0", got)
	}

	// Releasing an unknown lease stays a 200; the lease is gone either way.
	code, respBody = do(t, http.MethodDelete, ts.URL+"/leases/"+id, "")
	if code != http.StatusOK || !strings.Contains(respBody, "Lease not found") {
		t.Fatalf("double release: got %d body %q", code, respBody)
	}
}

func TestHeartbeat(t *testing.T) {
	ts, _ := newTestServer(t, map[string]int64{"db": 1})
	_, body := acquire(t, ts, `{"demands":{"db":1},"ttl":"50ms"}`)
	id := leaseID(t, body)

	code, respBody := do(t, http.MethodPut, ts.URL+"/leases/"+id, `{"ttl":"10s"}`)
	if code != http.StatusOK {
		t.Fatalf("heartbeat: got %d body %q", code, respBody)
	}

	time.Sleep(80 * time.Millisecond)
	code, respBody = do(t, http.MethodPost, ts.URL+"/remove_expired", "")
	if code != http.StatusOK || strings.TrimSpace(respBody) != "0" {
		t.Fatalf("remove_expired: got %d body %q", code, respBody)
	}
}

func TestHeartbeat_Errors(t *testing.T) {
	ts, _ := newTestServer(t, map[string]int64{"db": 1})
	if code, _ := do(t, http.MethodPut, ts.URL+"/leases/no-such-lease", `{"ttl":"10s"}`); code != http.StatusBadRequest {
		t.Fatalf("unknown lease: got %d want 400", code)
	}
	_, body := acquire(t, ts, `{"demands":{"db":1},"ttl":"1m"}`)
	id := leaseID(t, body)
	if code, _ := do(t, http.MethodPut, ts.URL+"/leases/"+id, `{"ttl":"0s"}`); code != http.StatusBadRequest {
		t.Fatalf("zero ttl: got %d want 400", code)
	}
}

// ---------------------------------------------------------------------------
// Introspection
// ---------------------------------------------------------------------------

func TestRemainder(t *testing.T) {
	ts, _ := newTestServer(t, map[string]int64{"db": 5})
	acquire(t, ts, `{"demands":{"db":2},"ttl":"1m"}`)

	code, body := do(t, http.MethodGet, ts.URL+"/remainder?semaphore=db", "")
	if code != http.StatusOK || strings.TrimSpace(body) != "3" {
		t.Fatalf("remainder: got %d body %q", code, body)
	}
	if code, _ := do(t, http.MethodGet, ts.URL+"/remainder?semaphore=nope", ""); code != http.StatusBadRequest {
		t.Fatalf("unknown semaphore: got %d want 400", code)
	}
	if code, _ := do(t, http.MethodGet, ts.URL+"/remainder", ""); code != http.StatusBadRequest {
		t.Fatalf("missing parameter: got %d want 400", code)
	}
}

func TestSnapshot(t *testing.T) {
	ts, _ := newTestServer(t, map[string]int64{"db": 2, "mail": 4})
	acquire(t, ts, `{"demands":{"db":1},"ttl":"1m"}`)

	code, body := do(t, http.MethodGet, ts.URL+"/snapshot", "")
	if code != http.StatusOK {
		t.Fatalf("snapshot: got %d body %q", code, body)
	}
	var snap sem.Snapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Semaphores["db"].Held != 1 || snap.Semaphores["db"].Capacity != 2 {
		t.Fatalf("db status: got %+v", snap.Semaphores["db"])
	}
	if snap.Leases != 1 {
		t.Fatalf("leases: got %d want 1", snap.Leases)
	}
}

func TestRemoveExpired(t *testing.T) {
	ts, _ := newTestServer(t, map[string]int64{"db": 1})
	acquire(t, ts, `{"demands":{"db":1},"ttl":"20ms"}`)
	time.Sleep(50 * time.Millisecond)
	code, body := do(t, http.MethodPost, ts.URL+"/remove_expired", "")
	if code != http.StatusOK || strings.TrimSpace(body) != "1" {
		t.Fatalf("remove_expired: got %d body %q", code, body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, map[string]int64{"db": 2})
	acquire(t, ts, `{"demands":{"db":1},"ttl":"1m"}`)
	code, body := do(t, http.MethodGet, ts.URL+"/metrics", "")
	if code != http.StatusOK {
		t.Fatalf("metrics: got %d", code)
	}
	if !strings.Contains(body, "throttle_full_count") || !strings.Contains(body, "throttle_count") {
		t.Fatal("expected throttle gauges in metrics output")
	}
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, map[string]int64{})
	if code, _ := do(t, http.MethodGet, ts.URL+"/health", ""); code != http.StatusOK {
		t.Fatalf("health: got %d", code)
	}
}

// ---------------------------------------------------------------------------
// Event stream
// ---------------------------------------------------------------------------

func TestEvents_StreamsLeaseLifecycle(t *testing.T) {
	ts, _ := newTestServer(t, map[string]int64{"db": 1})

	resp, err := http.Get(ts.URL + "/events?pattern=db")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events: got %d", resp.StatusCode)
	}

	events := make(chan string, 8)
	go func() {
		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				close(events)
				return
			}
			if strings.HasPrefix(line, "data: ") {
				events <- strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			}
		}
	}()

	_, body := acquire(t, ts, `{"demands":{"db":1},"ttl":"1m"}`)
	id := leaseID(t, body)

	select {
	case data := <-events:
		if !strings.Contains(data, `"granted"`) || !strings.Contains(data, id) {
			t.Fatalf("granted event: got %q", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no granted event received")
	}

	do(t, http.MethodDelete, ts.URL+"/leases/"+id, "")
	select {
	case data := <-events:
		if !strings.Contains(data, `"released"`) {
			t.Fatalf("released event: got %q", data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no released event received")
	}
}

func TestEvents_BadPattern(t *testing.T) {
	ts, _ := newTestServer(t, map[string]int64{"db": 1})
	resp, err := http.Get(ts.URL + "/events?pattern=a.%3E.b")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad pattern: got %d want 400", resp.StatusCode)
	}
}
