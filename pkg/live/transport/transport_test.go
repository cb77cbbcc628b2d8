package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// startEchoServer upgrades connections and echoes every text frame back.
func startEchoServer(t *testing.T) (*httptest.Server, *string) {
	t.Helper()
	var gotKey string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotKey = r.URL.Query().Get("key")
		mu.Unlock()
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			messageType, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(messageType, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &gotKey
}

func dialTest(t *testing.T, srv *httptest.Server) *Conn {
	t.Helper()
	host := strings.TrimPrefix(srv.URL, "http://")
	conn, err := Dial(context.Background(), Config{
		Host:   host,
		Scheme: "ws",
		APIKey: "test-key",
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestDial_MissingCredential(t *testing.T) {
	_, err := Dial(context.Background(), Config{})
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("Dial() error = %v, want ErrMissingCredential", err)
	}
}

func TestDial_PassesCredentialThrough(t *testing.T) {
	srv, gotKey := startEchoServer(t)
	_ = dialTest(t, srv)
	if *gotKey != "test-key" {
		t.Fatalf("key query param = %q, want test-key", *gotKey)
	}
}

func TestSendReceive_RoundTrip(t *testing.T) {
	srv, _ := startEchoServer(t)
	conn := dialTest(t, srv)

	frame := []byte(`{"setup":{"model":"m"}}`)
	if err := conn.Send(frame); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	got, err := conn.Receive()
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if string(got) != string(frame) {
		t.Fatalf("Receive() = %s, want %s", got, frame)
	}
}

func TestSend_AtomicUnderConcurrency(t *testing.T) {
	srv, _ := startEchoServer(t)
	conn := dialTest(t, srv)

	const senders = 8
	const perSender = 20
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			payload := []byte(strings.Repeat(string(rune('a'+n)), 64))
			for j := 0; j < perSender; j++ {
				if err := conn.Send(payload); err != nil {
					t.Errorf("Send() error = %v", err)
					return
				}
			}
		}(i)
	}

	// Every echoed frame must consist of one repeated byte: interleaved
	// writes would mix payloads within a frame.
	received := 0
	for received < senders*perSender {
		data, err := conn.Receive()
		if err != nil {
			t.Fatalf("Receive() error = %v", err)
		}
		if len(data) != 64 {
			t.Fatalf("frame length = %d, want 64", len(data))
		}
		for _, b := range data {
			if b != data[0] {
				t.Fatalf("frame bytes interleaved: %s", data)
			}
		}
		received++
	}
	wg.Wait()
}

func TestReceive_AcceptsBinaryFrames(t *testing.T) {
	frame := []byte(`{"setupComplete":{}}`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		// The service may deliver JSON envelopes in binary frames.
		if err := ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			return
		}
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	conn := dialTest(t, srv)
	got, err := conn.Receive()
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if string(got) != string(frame) {
		t.Fatalf("Receive() = %s, want %s", got, frame)
	}
}

func TestReceive_CleanCloseReturnsErrClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second),
		)
		_ = ws.Close()
	}))
	defer srv.Close()

	conn := dialTest(t, srv)
	_, err := conn.Receive()
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Receive() error = %v, want ErrClosed", err)
	}
}

func TestSend_AfterCloseFails(t *testing.T) {
	srv, _ := startEchoServer(t)
	conn := dialTest(t, srv)

	_ = conn.Close()
	err := conn.Send([]byte("late"))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("Send() after close error = %v, want ErrClosed", err)
	}
}
