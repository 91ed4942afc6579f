package transport

import (
	"context"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestMemConnectAndExchange(t *testing.T) {
	net := NewNetwork()
	a := net.Adapter("alice")
	b := net.Adapter("bob")

	var bobSide Conn
	bobGot := make(chan string, 4)

	b.SetAcceptHandler(func(c Conn) {
		bobSide = c
		c.SetHandlers(Handlers{
			OnData: func(p []byte) { bobGot <- string(p) },
		})
		c.Start()
	})

	conn, err := a.Connect(context.Background(), "bob", RoleMain)
	if err != nil {
		t.Fatal(err)
	}
	if conn.Role() != RoleMain || !conn.Outbound() {
		t.Fatal("conn metadata wrong")
	}

	aliceOpen := make(chan struct{})
	conn.SetHandlers(Handlers{
		OnOpen: func() { close(aliceOpen) },
	})
	conn.Start()

	select {
	case <-aliceOpen:
	case <-time.After(2 * time.Second):
		t.Fatal("dialer never saw open")
	}

	if err := conn.Send([]byte(`{"kind":"message"}`)); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-bobGot:
		if got != `{"kind":"message"}` {
			t.Fatalf("payload = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("acceptor never received payload")
	}

	// Close notifies the remote side.
	closed := make(chan struct{})
	bobSide.SetHandlers(Handlers{
		OnClose: func() { close(closed) },
	})
	_ = conn.Close()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("acceptor never saw close")
	}
}

func TestMemRejectBeforeOpen(t *testing.T) {
	net := NewNetwork()
	a := net.Adapter("alice")
	b := net.Adapter("bob")

	// Acceptor rejects by closing without Start.
	b.SetAcceptHandler(func(c Conn) { _ = c.Close() })

	conn, err := a.Connect(context.Background(), "bob", RoleMain)
	if err != nil {
		t.Fatal(err)
	}

	opened := false
	done := make(chan struct{})
	conn.SetHandlers(Handlers{
		OnOpen:  func() { opened = true },
		OnClose: func() { close(done) },
	})
	conn.Start()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dialer never saw rejection")
	}
	if opened {
		t.Fatal("dialer saw open despite rejection")
	}
}

func TestMemSilentBlackHole(t *testing.T) {
	net := NewNetwork()
	a := net.Adapter("alice")
	_ = net.Adapter("bob")
	net.SetSilent("bob", true)

	conn, err := a.Connect(context.Background(), "bob", RoleMain)
	if err != nil {
		t.Fatal(err)
	}

	events := make(chan string, 4)
	conn.SetHandlers(Handlers{
		OnOpen:  func() { events <- "open" },
		OnClose: func() { events <- "close" },
		OnError: func(error) { events <- "error" },
	})
	conn.Start()

	select {
	case ev := <-events:
		t.Fatalf("silent dial produced event %q", ev)
	case <-time.After(100 * time.Millisecond):
		// expected: nothing happens, the caller's timeout governs
	}

	// Closing the black-holed conn still delivers the terminal event.
	_ = conn.Close()
	waitFor(t, func() bool {
		select {
		case ev := <-events:
			return ev == "close"
		default:
			return false
		}
	}, "close after abandoning silent dial")
}

func TestMemUnknownPeer(t *testing.T) {
	net := NewNetwork()
	a := net.Adapter("alice")

	conn, err := a.Connect(context.Background(), "nobody", RoleDirect)
	if err != nil {
		t.Fatal(err)
	}

	errCh := make(chan error, 1)
	conn.SetHandlers(Handlers{
		OnError: func(e error) { errCh <- e },
	})
	conn.Start()

	select {
	case e := <-errCh:
		if e != ErrUnknownPeer {
			t.Fatalf("err = %v, want ErrUnknownPeer", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no error for unknown peer")
	}
}
