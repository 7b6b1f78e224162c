package hostlink

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + DefaultPath
}

func waitClients(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.ClientCount() < n && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := s.ClientCount(); got != n {
		t.Fatalf("ClientCount() = %d, want %d", got, n)
	}
}

func TestServer_SubmitAndBroadcast(t *testing.T) {
	var s *Server
	s = NewServer(ServerConfig{
		Submit: func(_ context.Context, cmd []byte) error {
			// answer like a console command: the response goes to every client
			return s.OutputALP(append([]byte{0x20}, cmd...))
		},
	})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, wsURL(ts.URL))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	if err := c.Send(ctx, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	got, err := c.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if want := []byte{0x20, 0x01, 0x02}; !bytes.Equal(got, want) {
		t.Errorf("Receive() = % X, want % X", got, want)
	}
	if n := s.ClientCount(); n != 1 {
		t.Errorf("ClientCount() = %d, want 1", n)
	}
}

func TestServer_BroadcastToAllClients(t *testing.T) {
	s := NewServer(ServerConfig{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var clients []*Client
	for i := 0; i < 2; i++ {
		c, err := Dial(ctx, wsURL(ts.URL))
		if err != nil {
			t.Fatalf("Dial() error = %v", err)
		}
		defer c.Close()
		clients = append(clients, c)
	}

	waitClients(t, s, 2)

	if err := s.OutputALP([]byte{0xA3, 0x01}); err != nil {
		t.Fatalf("OutputALP() error = %v", err)
	}
	for i, c := range clients {
		got, err := c.Receive(ctx)
		if err != nil {
			t.Fatalf("client %d Receive() error = %v", i, err)
		}
		if !bytes.Equal(got, []byte{0xA3, 0x01}) {
			t.Errorf("client %d got % X", i, got)
		}
	}
}

func TestServer_StartStop(t *testing.T) {
	s := NewServer(ServerConfig{Address: "127.0.0.1:0"})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !s.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}
	if err := s.Start(); err != ErrAlreadyRunning {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, "ws://"+s.Addr().String()+DefaultPath)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()
	waitClients(t, s, 1)

	if err := s.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if s.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	if _, err := c.Receive(ctx); err == nil {
		t.Error("Receive() after Stop succeeded")
	}
}
