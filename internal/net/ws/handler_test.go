package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"mathstream/server"
	"mathstream/server/internal/client"
	"mathstream/server/internal/net/proto"
)

func newTestServer(t *testing.T, cfg HandlerConfig) (*server.Hub, *httptest.Server) {
	t.Helper()
	hub := server.NewHub(server.DefaultHubConfig())
	handler := NewHandler(hub, cfg)
	srv := httptest.NewServer(http.HandlerFunc(handler.Handle))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func websocketURL(t *testing.T, baseURL, clientID, role string) string {
	t.Helper()

	parsed, err := url.Parse(baseURL)
	if err != nil {
		t.Fatalf("failed to parse test server url: %v", err)
	}
	parsed.Scheme = "ws"
	parsed.Path = "/api/stream"
	query := parsed.Query()
	if clientID != "" {
		query.Set("clientId", clientID)
	}
	if role != "" {
		query.Set("role", role)
	}
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func dial(t *testing.T, srv *httptest.Server, clientID, role string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(websocketURL(t, srv.URL, clientID, role), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		t.Fatalf("failed to open websocket connection: %v", err)
	}
	t.Cleanup(func() {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
		if resp != nil {
			resp.Body.Close()
		}
	})
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) proto.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	msg, err := proto.DecodeMessage(payload)
	if err != nil {
		t.Fatalf("received undecodable message: %v", err)
	}
	return msg
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, payload, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected no message, got %s", payload)
	}
}

func sendCommand(t *testing.T, conn *websocket.Conn, clientID string, cmd proto.Command) []byte {
	t.Helper()
	data, err := proto.EncodeMessage(proto.CreateMessage(cmd, clientID))
	if err != nil {
		t.Fatalf("failed to encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	return data
}

func TestHandleSendsWelcomeOnConnect(t *testing.T) {
	_, srv := newTestServer(t, DefaultHandlerConfig())
	conn := dial(t, srv, "alpha", "")

	msg := readMessage(t, conn)
	if msg.Metadata.ClientID != proto.ServerClientID {
		t.Fatalf("expected welcome from server, got %q", msg.Metadata.ClientID)
	}
	if msg.Command.Scene == nil || msg.Command.Scene.SceneID != server.WelcomeSceneID {
		t.Fatalf("expected welcome scene command, got %+v", msg.Command)
	}
}

func TestHandleBroadcastExcludesSender(t *testing.T) {
	hub, srv := newTestServer(t, DefaultHandlerConfig())
	a := dial(t, srv, "a", "")
	b := dial(t, srv, "b", "")
	c := dial(t, srv, "c", "")
	for _, conn := range []*websocket.Conn{a, b, c} {
		readMessage(t, conn)
	}
	if got := len(hub.ConnectedClients()); got != 3 {
		t.Fatalf("expected 3 registered clients, got %d", got)
	}

	cmd := proto.NewDrawCommand(250, proto.DrawData{
		ObjectID:   "eq1",
		Operation:  proto.OperationCreate,
		ObjectType: proto.ObjectEquation,
		Params:     proto.DrawParams{Latex: "a^2+b^2=c^2"},
	})
	sent := sendCommand(t, a, "a", cmd)

	for name, conn := range map[string]*websocket.Conn{"b": b, "c": c} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("%s failed to read relay: %v", name, err)
		}
		if string(payload) != string(sent) {
			t.Fatalf("%s expected identical bytes\nwant %s\ngot  %s", name, sent, payload)
		}
	}
	expectSilence(t, a)
}

func TestHandleDropsMalformedAndKeepsConnection(t *testing.T) {
	_, srv := newTestServer(t, DefaultHandlerConfig())
	a := dial(t, srv, "a", "")
	b := dial(t, srv, "b", "")
	readMessage(t, a)
	readMessage(t, b)

	if err := a.WriteMessage(websocket.TextMessage, []byte(`{"not":"a message"}`)); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	sendCommand(t, a, "a", proto.NewVoiceCommand(0, proto.VoiceData{Text: "still here"}))

	msg := readMessage(t, b)
	if msg.Command.Voice == nil || msg.Command.Voice.Text != "still here" {
		t.Fatalf("expected only the valid message to be relayed, got %+v", msg.Command)
	}
}

func TestHandleViewerCannotPublish(t *testing.T) {
	_, srv := newTestServer(t, DefaultHandlerConfig())
	viewer := dial(t, srv, "viewer", RoleViewer)
	writer := dial(t, srv, "writer", "")
	readMessage(t, viewer)
	readMessage(t, writer)

	sendCommand(t, viewer, "viewer", proto.NewVoiceCommand(0, proto.VoiceData{Text: "blocked"}))
	expectSilence(t, writer)

	sendCommand(t, writer, "writer", proto.NewVoiceCommand(0, proto.VoiceData{Text: "allowed"}))
	msg := readMessage(t, viewer)
	if msg.Command.Voice.Text != "allowed" {
		t.Fatalf("expected viewer to receive writer message, got %+v", msg.Command.Voice)
	}
}

func TestHandleRateLimitDropsExcessMessages(t *testing.T) {
	cfg := DefaultHandlerConfig()
	cfg.RateLimit = 0.001
	cfg.RateBurst = 1
	_, srv := newTestServer(t, cfg)
	a := dial(t, srv, "a", "")
	b := dial(t, srv, "b", "")
	readMessage(t, a)
	readMessage(t, b)

	sendCommand(t, a, "a", proto.NewVoiceCommand(0, proto.VoiceData{Text: "first"}))
	sendCommand(t, a, "a", proto.NewVoiceCommand(0, proto.VoiceData{Text: "second"}))

	msg := readMessage(t, b)
	if msg.Command.Voice.Text != "first" {
		t.Fatalf("expected first message, got %q", msg.Command.Voice.Text)
	}
	expectSilence(t, b)
}

func TestHandleDisconnectRemovesClient(t *testing.T) {
	hub, srv := newTestServer(t, DefaultHandlerConfig())
	a := dial(t, srv, "a", "")
	readMessage(t, a)

	a.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	a.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(hub.ConnectedClients()) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected client to be removed after close")
}

func TestStreamingClientEndToEnd(t *testing.T) {
	_, srv := newTestServer(t, DefaultHandlerConfig())

	var mu sync.Mutex
	var received []proto.Command
	delivered := make(chan struct{}, 8)

	cfg := client.DefaultConfig()
	cfg.ID = "renderer"
	renderer := client.New(cfg)
	renderer.AddListener("render", func(cmd proto.Command) {
		mu.Lock()
		received = append(received, cmd)
		mu.Unlock()
		delivered <- struct{}{}
	})
	if err := renderer.Connect(context.Background(), websocketURL(t, srv.URL, "", "")); err != nil {
		t.Fatalf("client connect failed: %v", err)
	}
	t.Cleanup(renderer.Disconnect)

	cfg.ID = "presenter"
	presenter := client.New(cfg)
	if err := presenter.Connect(context.Background(), websocketURL(t, srv.URL, "", "")); err != nil {
		t.Fatalf("presenter connect failed: %v", err)
	}
	t.Cleanup(presenter.Disconnect)

	// The renderer's welcome arrives first.
	waitDelivery(t, delivered)

	if err := presenter.SendCommand(proto.NewVoiceCommand(500, proto.VoiceData{Text: "narration"})); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	waitDelivery(t, delivered)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("expected welcome plus relay, got %d commands", len(received))
	}
	if received[0].Scene == nil || received[0].Scene.SceneID != server.WelcomeSceneID {
		t.Fatalf("expected welcome first, got %+v", received[0])
	}
	if received[1].Voice == nil || received[1].Voice.Text != "narration" || received[1].Timestamp != 500 {
		t.Fatalf("unexpected relayed command %+v", received[1])
	}
}

func waitDelivery(t *testing.T, delivered <-chan struct{}) {
	t.Helper()
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for listener delivery")
	}
}
