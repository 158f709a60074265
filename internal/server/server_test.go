package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/sandbox/sandboxtest"
	"github.com/michaelbrown/runbox/internal/storage"
	"github.com/michaelbrown/runbox/internal/storage/sqlite"
	"github.com/michaelbrown/runbox/internal/supervisor"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			RateLimit: config.RateLimitConfig{
				GlobalRPS:      100,
				PerIPRPS:       100,
				PerIPBurst:     100,
				MaxConnections: 10,
			},
		},
		Sandbox: config.SandboxConfig{Runtime: "fake"},
	}
}

type testEnv struct {
	srv     *httptest.Server
	rt      *sandboxtest.Runtime
	ctrl    *supervisor.Controller
	ledger  *sqlite.SQLiteLedger
	baseURL string
}

func newTestEnv(t *testing.T, prog sandboxtest.Program) *testEnv {
	t.Helper()
	ledger, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	rt := sandboxtest.New(prog)
	ctrl := supervisor.NewController(rt, ledger, supervisor.Config{
		Command:     []string{"python3", sandbox.ArtifactPlaceholder},
		RuntimeName: "fake",
	}, zerolog.Nop())
	s := New(testConfig(), ctrl, ledger, zerolog.Nop())
	srv := httptest.NewServer(s.Handler())

	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ctrl.Shutdown(ctx)
		ledger.Close()
	})
	return &testEnv{srv: srv, rt: rt, ctrl: ctrl, ledger: ledger, baseURL: srv.URL}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.baseURL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntilEligible collects messages up to and including run-eligible.
func readUntilEligible(t *testing.T, conn *websocket.Conn) []wsOutgoing {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msgs []wsOutgoing
	for {
		var msg wsOutgoing
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v (so far %+v)", err, msgs)
		}
		msgs = append(msgs, msg)
		if msg.Type == string(supervisor.EventRunEligible) {
			return msgs
		}
	}
}

func TestWebSocketRun(t *testing.T) {
	env := newTestEnv(t, sandboxtest.Print("hello\n", 0))
	conn := env.dial(t)

	if err := conn.WriteJSON(wsIncoming{Type: msgStartRun, Code: "print('hello')"}); err != nil {
		t.Fatal(err)
	}
	msgs := readUntilEligible(t, conn)

	want := []string{"clear-terminal", "terminal-output", "request-input", "execution-result", "run-eligible"}
	if len(msgs) != len(want) {
		t.Fatalf("got %+v", msgs)
	}
	for i, typ := range want {
		if msgs[i].Type != typ {
			t.Errorf("message %d = %s, want %s", i, msgs[i].Type, typ)
		}
	}
	if msgs[1].Text != "hello\n" {
		t.Errorf("output = %q", msgs[1].Text)
	}
	if msgs[2].Enabled == nil || !*msgs[2].Enabled {
		t.Errorf("request-input = %+v, want enabled", msgs[2])
	}
}

func TestWebSocketInputAndStop(t *testing.T) {
	env := newTestEnv(t, sandboxtest.Echo("> "))
	conn := env.dial(t)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	readUntil := func(substr string) {
		t.Helper()
		for {
			var msg wsOutgoing
			if err := conn.ReadJSON(&msg); err != nil {
				t.Fatalf("read: %v", err)
			}
			if strings.Contains(msg.Text, substr) {
				return
			}
		}
	}

	conn.WriteJSON(wsIncoming{Type: msgStartRun, Code: "echo"})
	readUntil("> ")
	conn.WriteJSON(wsIncoming{Type: msgSupplyInput, Text: "ping"})
	readUntil("got ping")

	conn.WriteJSON(wsIncoming{Type: msgStop})
	msgs := readUntilEligible(t, conn)
	if last := msgs[len(msgs)-2]; last.Text != "Code execution stopped.\n" {
		t.Errorf("message before run-eligible = %+v", last)
	}
}

func TestWebSocketGrade(t *testing.T) {
	env := newTestEnv(t, sandboxtest.Square(""))
	conn := env.dial(t)

	conn.WriteJSON(wsIncoming{Type: msgStartGrade, Code: "print(int(input())**2)"})
	msgs := readUntilEligible(t, conn)

	var report *supervisor.Report
	for _, m := range msgs {
		if m.Type == "execution-result" {
			report = m.Report
		}
	}
	if report == nil || report.Passed != 2 || report.Failed != 0 {
		t.Fatalf("report = %+v", report)
	}
}

func TestWebSocketDisconnectDestroysSandbox(t *testing.T) {
	env := newTestEnv(t, sandboxtest.Hang())
	conn := env.dial(t)

	conn.WriteJSON(wsIncoming{Type: msgStartRun, Code: "hang"})
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg wsOutgoing
	if err := conn.ReadJSON(&msg); err != nil || msg.Type != "clear-terminal" {
		t.Fatalf("first message = %+v, %v", msg, err)
	}
	conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for env.ctrl.Store().Len() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not removed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	env.ctrl.Wait()
	if live := env.rt.Live(); len(live) != 0 {
		t.Errorf("live sandboxes = %v", live)
	}

	records, err := env.ledger.ListSandboxes(context.Background(), storage.ListOptions{Status: storage.StatusLive})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Errorf("ledger still has live sandboxes: %+v", records)
	}
}

func TestHealthAndSuite(t *testing.T) {
	env := newTestEnv(t, sandboxtest.Print("", 0))

	resp, err := http.Get(env.baseURL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	var health map[string]any
	json.NewDecoder(resp.Body).Decode(&health)
	if health["status"] != "ok" {
		t.Errorf("health = %v", health)
	}

	resp2, err := http.Get(env.baseURL + "/api/suite")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var st map[string]any
	json.NewDecoder(resp2.Body).Decode(&st)
	if st["cases"] != float64(2) {
		t.Errorf("suite = %v", st)
	}
	if _, leaked := st["expected_output"]; leaked {
		t.Error("suite endpoint leaked expected output")
	}
}

func TestListSandboxes(t *testing.T) {
	env := newTestEnv(t, sandboxtest.Print("ok\n", 0))
	conn := env.dial(t)
	conn.WriteJSON(wsIncoming{Type: msgStartRun, Code: "x"})
	readUntilEligible(t, conn)
	env.ctrl.Wait()

	resp, err := http.Get(env.baseURL + "/api/sandboxes?status=destroyed")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var records []storage.SandboxRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Runtime != "fake" {
		t.Errorf("records = %+v", records)
	}
}

func TestCheckOrigin(t *testing.T) {
	cfg := testConfig()
	cfg.Server.AllowedOrigins = []string{"https://ide.example.com"}
	s := New(cfg, nil, nil, zerolog.Nop())

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	if s.checkOrigin(r) {
		t.Error("foreign origin allowed")
	}
	r.Header.Set("Origin", "https://ide.example.com")
	if !s.checkOrigin(r) {
		t.Error("configured origin rejected")
	}
}
