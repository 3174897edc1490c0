package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"mathstream/server"
	"mathstream/server/internal/net/proto"
	"mathstream/server/internal/net/ws"
	"mathstream/server/internal/player"
)

func TestStreamURLMapsSchemes(t *testing.T) {
	cases := []struct {
		base string
		role string
		want string
	}{
		{"http://127.0.0.1:8080", "", "ws://127.0.0.1:8080/api/stream"},
		{"https://stream.example/", "", "wss://stream.example/api/stream"},
		{"http://localhost:8080/prefix", "viewer", "ws://localhost:8080/prefix/api/stream?role=viewer"},
	}
	for _, tc := range cases {
		got, err := streamURL(tc.base, tc.role)
		if err != nil {
			t.Fatalf("streamURL(%q) failed: %v", tc.base, err)
		}
		if got != tc.want {
			t.Fatalf("streamURL(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}
	if _, err := streamURL("ftp://host", ""); err == nil {
		t.Fatalf("expected unsupported scheme to fail")
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestSampleCommandPrintsValidScene(t *testing.T) {
	out, err := execute(t, "sample")
	if err != nil {
		t.Fatalf("sample failed: %v", err)
	}
	var scene player.Scene
	if err := json.Unmarshal([]byte(out), &scene); err != nil {
		t.Fatalf("sample output is not a scene: %v", err)
	}
	if err := scene.Validate(); err != nil {
		t.Fatalf("sample scene invalid after round trip: %v", err)
	}
	if scene.ID != player.SampleSceneID || len(scene.Commands) != 7 {
		t.Fatalf("unexpected sample scene %s with %d commands", scene.ID, len(scene.Commands))
	}
}

func TestPrintClientsUsesRelativeTimes(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var out bytes.Buffer
	err := printClients(&out, []clientRow{
		{ID: "renderer", Connected: true, LastActive: now.Add(-2 * time.Minute).UnixMilli(), Permissions: []string{"read", "write"}},
	}, now)
	if err != nil {
		t.Fatalf("printClients failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected header plus one row, got %q", out.String())
	}
	if !strings.Contains(lines[1], "renderer") || !strings.Contains(lines[1], "read,write") || !strings.Contains(lines[1], "2 minutes ago") {
		t.Fatalf("unexpected row %q", lines[1])
	}
}

func TestScenesCommandsTalkToServer(t *testing.T) {
	var played, stopped string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/scenes":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"scenes": []player.SceneSummary{player.SampleScene().Summary()}})
		case r.Method == http.MethodPost && r.URL.Path == "/api/scenes/sample-1/play":
			played = "sample-1"
			w.WriteHeader(http.StatusAccepted)
		case r.Method == http.MethodPost && r.URL.Path == "/api/scenes/missing/play":
			http.Error(w, "scene not found", http.StatusNotFound)
		case r.Method == http.MethodPost && r.URL.Path == "/api/scenes/stop":
			stopped = "yes"
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	out, err := execute(t, "--server", srv.URL, "scenes")
	if err != nil {
		t.Fatalf("scenes failed: %v", err)
	}
	if !strings.Contains(out, "sample-1") || !strings.Contains(out, "15s") {
		t.Fatalf("unexpected scenes output %q", out)
	}

	if _, err := execute(t, "--server", srv.URL, "scenes", "play", "sample-1"); err != nil || played != "sample-1" {
		t.Fatalf("expected play to succeed, got err=%v played=%q", err, played)
	}
	if _, err := execute(t, "--server", srv.URL, "scenes", "play", "missing"); err == nil || !strings.Contains(err.Error(), "scene not found") {
		t.Fatalf("expected not found error, got %v", err)
	}
	if _, err := execute(t, "--server", srv.URL, "scenes", "stop"); err != nil || stopped != "yes" {
		t.Fatalf("expected stop to succeed, got err=%v", err)
	}
}

func TestPlayCommandStreamsSceneFile(t *testing.T) {
	hub := server.NewHub(server.DefaultHubConfig())
	handler := ws.NewHandler(hub, ws.DefaultHandlerConfig())
	srv := httptest.NewServer(http.HandlerFunc(handler.Handle))
	defer func() {
		hub.Close()
		srv.Close()
	}()

	scene := player.Scene{
		ID:       "short",
		Duration: 40,
		Commands: []proto.Command{
			proto.NewVoiceCommand(0, proto.VoiceData{Text: "one"}),
			proto.NewVoiceCommand(20, proto.VoiceData{Text: "two"}),
		},
	}
	data, err := json.Marshal(scene)
	if err != nil {
		t.Fatalf("marshal scene: %v", err)
	}
	path := filepath.Join(t.TempDir(), "short.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write scene: %v", err)
	}

	viewerURL, err := streamURL(srv.URL, ws.RoleViewer)
	if err != nil {
		t.Fatalf("streamURL failed: %v", err)
	}
	viewer, resp, err := websocket.DefaultDialer.Dial(viewerURL, nil)
	if err != nil {
		t.Fatalf("viewer dial failed: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer viewer.Close()

	out, err := execute(t, "--server", srv.URL, "--client-id", "cli", "play", path, "--frame", "5ms")
	if err != nil {
		t.Fatalf("play failed: %v", err)
	}
	if !strings.Contains(out, "scene short finished (completed=true)") {
		t.Fatalf("unexpected play output %q", out)
	}

	var got []string
	for len(got) < 4 {
		viewer.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, payload, err := viewer.ReadMessage()
		if err != nil {
			t.Fatalf("viewer read failed after %v: %v", got, err)
		}
		msg, err := proto.DecodeMessage(payload)
		if err != nil {
			t.Fatalf("undecodable message: %v", err)
		}
		switch {
		case msg.Command.Scene != nil:
			got = append(got, "scene:"+msg.Command.Scene.SceneID)
		case msg.Command.Voice != nil:
			got = append(got, "voice:"+msg.Command.Voice.Text)
		}
	}
	want := []string{"scene:" + server.WelcomeSceneID, "scene:short", "voice:one", "voice:two"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected command order %v", got)
		}
	}
}
