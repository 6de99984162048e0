package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/auralis-ai/voicerelay/pkg/providers"
	"github.com/auralis-ai/voicerelay/pkg/relay/apierror"
)

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

// startUpstream runs a fake provider endpoint. The handler receives the
// accepted upstream-side connection.
func startUpstream(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// startRelay accepts one client connection and runs a session against
// upstreamURL, reporting Run's result on the returned channel.
func startRelay(t *testing.T, upstreamURL string, cfg Config) (*websocket.Conn, chan error, *Session) {
	t.Helper()
	runErr := make(chan error, 1)
	sessionCh := make(chan *Session, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s, err := New(Dependencies{
			Client:    conn,
			Upstream:  providers.Upstream{URL: upstreamURL},
			Logger:    slog.New(slog.DiscardHandler),
			SessionID: "s_test",
			Config:    cfg,
		})
		if err != nil {
			runErr <- err
			return
		}
		sessionCh <- s
		runErr <- s.Run()
	}))
	t.Cleanup(srv.Close)

	client, resp, err := websocket.DefaultDialer.Dial(wsURL(srv.URL), nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { client.Close() })

	select {
	case s := <-sessionCh:
		return client, runErr, s
	case <-time.After(2 * time.Second):
		t.Fatal("session did not start")
		return nil, nil, nil
	}
}

func echoUpstream(conn *websocket.Conn) {
	defer conn.Close()
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if err := conn.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

func TestRun_RelaysFramesVerbatimInOrder(t *testing.T) {
	up := startUpstream(t, echoUpstream)
	client, _, _ := startRelay(t, wsURL(up.URL), Config{})

	want := []string{"frame-1", "frame-2", "frame-3"}
	for _, msg := range want {
		if err := client.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, msg := range want {
		_, data, err := client.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(data) != msg {
			t.Fatalf("got %q, want %q", data, msg)
		}
	}
}

func TestRun_RelaysBinaryFrames(t *testing.T) {
	up := startUpstream(t, echoUpstream)
	client, _, _ := startRelay(t, wsURL(up.URL), Config{})

	payload := []byte{0x00, 0x01, 0xFF, 0xFE}
	if err := client.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if mt != websocket.BinaryMessage || string(data) != string(payload) {
		t.Fatalf("mt=%d data=%v", mt, data)
	}
}

func TestRun_QueuedFramesFlushInOrderWhenUpstreamOpensLate(t *testing.T) {
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Delay the upgrade so client frames queue inside the relay.
		<-release
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		echoUpstream(conn)
	}))
	t.Cleanup(srv.Close)

	client, _, _ := startRelay(t, wsURL(srv.URL), Config{ConnectTimeout: 5 * time.Second})

	want := []string{"early-1", "early-2", "early-3"}
	for _, msg := range want {
		if err := client.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	time.Sleep(100 * time.Millisecond)
	close(release)

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	for _, msg := range want {
		_, data, err := client.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(data) != msg {
			t.Fatalf("got %q, want %q", data, msg)
		}
	}
}

func TestRun_UpstreamCloseClosesClientNormally(t *testing.T) {
	up := startUpstream(t, func(conn *websocket.Conn) {
		deadline := time.Now().Add(time.Second)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.Close()
	})
	client, runErr, _ := startRelay(t, wsURL(up.URL), Config{})

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := client.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) {
		t.Fatalf("err=%v, want close error", err)
	}
	if closeErr.Code != websocket.CloseNormalClosure {
		t.Fatalf("close code=%d, want %d", closeErr.Code, websocket.CloseNormalClosure)
	}

	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after upstream close")
	}
}

func TestRun_DeliversAllFramesReceivedBeforeUpstreamClose(t *testing.T) {
	const frames = 50
	up := startUpstream(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for i := 0; i < frames; i++ {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf("frame-%03d", i))); err != nil {
				return
			}
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	})
	client, runErr, _ := startRelay(t, wsURL(up.URL), Config{})

	// Every frame upstream sent before closing must arrive, in order,
	// before the client sees the close.
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i := 0; i < frames; i++ {
		_, data, err := client.ReadMessage()
		if err != nil {
			t.Fatalf("read frame %d: %v (frames received so far: %d of %d)", i, err, i, frames)
		}
		if want := fmt.Sprintf("frame-%03d", i); string(data) != want {
			t.Fatalf("frame %d: got %q, want %q", i, data, want)
		}
	}
	_, _, err := client.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseNormalClosure {
		t.Fatalf("after %d frames: err=%v, want normal close", frames, err)
	}

	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after delivering the stream")
	}
}

func TestRun_ReturnsWhenClientStopsReading(t *testing.T) {
	payload := make([]byte, 256<<10)
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	up := startUpstream(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
				return
			}
		}
	})
	client, runErr, _ := startRelay(t, wsURL(up.URL), Config{
		WriteTimeout:      50 * time.Millisecond,
		OutboundQueueSize: 4,
	})
	// The client holds its socket open but never reads, so the relay's
	// client writes eventually block and hit the write deadline. The
	// session must tear itself down; it cannot wait for the client.
	t.Cleanup(func() { client.Close() })

	select {
	case <-runErr:
	case <-time.After(5 * time.Second):
		t.Fatal("Run still blocked after the client write path died")
	}
}

func TestRun_ClientCloseClosesUpstream(t *testing.T) {
	upstreamClosed := make(chan struct{})
	up := startUpstream(t, func(conn *websocket.Conn) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(upstreamClosed)
				return
			}
		}
	})
	client, runErr, _ := startRelay(t, wsURL(up.URL), Config{})

	// Give the dial a moment so we exercise the live-relay path, not the
	// pre-open queue.
	time.Sleep(100 * time.Millisecond)
	client.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	client.Close()

	select {
	case <-upstreamClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream was not closed after client close")
	}
	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after client close")
	}
}

func TestRun_ConnectFailureDeliversErrorFrameThenCloses(t *testing.T) {
	// An upstream that refuses the websocket upgrade.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	client, runErr, _ := startRelay(t, wsURL(srv.URL), Config{ConnectTimeout: 2 * time.Second})

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	var cf controlFrame
	if err := json.Unmarshal(data, &cf); err != nil {
		t.Fatalf("unmarshal error frame: %v", err)
	}
	if cf.Type != "error" || cf.Code != apierror.CodeConnectFailed {
		t.Fatalf("frame=%+v", cf)
	}

	// The session then closes; Run reports the dial failure.
	select {
	case err := <-runErr:
		if err == nil {
			t.Fatal("Run returned nil after connect failure")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRun_CancelClosesBothSides(t *testing.T) {
	upstreamClosed := make(chan struct{})
	up := startUpstream(t, func(conn *websocket.Conn) {
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			close(upstreamClosed)
		}
	})
	client, runErr, s := startRelay(t, wsURL(up.URL), Config{})

	time.Sleep(100 * time.Millisecond)
	s.Cancel()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := client.ReadMessage(); err != nil {
			break
		}
	}
	select {
	case <-upstreamClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream not closed after cancel")
	}
	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_MaxSessionDurationCutsOff(t *testing.T) {
	up := startUpstream(t, echoUpstream)
	client, runErr, _ := startRelay(t, wsURL(up.URL), Config{
		MaxSessionDuration: 150 * time.Millisecond,
	})

	client.SetReadDeadline(time.Now().Add(3 * time.Second))
	sawWarning := false
	for {
		_, data, err := client.ReadMessage()
		if err != nil {
			break
		}
		var cf controlFrame
		if json.Unmarshal(data, &cf) == nil && cf.Type == "warning" && cf.Code == "session_limit" {
			sawWarning = true
		}
	}
	if !sawWarning {
		t.Fatal("expected session_limit warning before cutoff")
	}
	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cutoff")
	}
}

func TestSendWarning_DeliveredInBand(t *testing.T) {
	up := startUpstream(t, echoUpstream)
	client, _, s := startRelay(t, wsURL(up.URL), Config{})

	if err := s.SendWarning("draining", "relay restarting soon"); err != nil {
		t.Fatalf("SendWarning: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var cf controlFrame
	if err := json.Unmarshal(data, &cf); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if cf.Type != "warning" || cf.Code != "draining" {
		t.Fatalf("frame=%+v", cf)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Dependencies{}); err == nil {
		t.Fatal("New accepted nil client")
	}
}
