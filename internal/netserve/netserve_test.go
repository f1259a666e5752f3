package netserve_test

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/tagdex/tagdexd/internal/graph"
	"github.com/tagdex/tagdexd/internal/guid"
	"github.com/tagdex/tagdexd/internal/netserve"
)

func startTestServer(t *testing.T) (addr string, cancel context.CancelFunc) {
	t.Helper()
	serverGUID, err := guid.NewServer()
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	store := graph.NewStore(serverGUID)

	srv := netserve.New(netserve.Config{Addr: "127.0.0.1:0", RatePerSecond: 1000, RateBurst: 1000}, store, nil)
	srv.Ready = make(chan string, 1)

	ctx, cancelFn := context.WithCancel(context.Background())
	go func() {
		if err := srv.ListenAndServe(ctx); err != nil {
			t.Logf("ListenAndServe: %v", err)
		}
	}()

	select {
	case addr = <-srv.Ready:
	case <-time.After(2 * time.Second):
		cancelFn()
		t.Fatal("server did not start in time")
	}
	return addr, cancelFn
}

func TestNoopRoundTrip(t *testing.T) {
	addr, cancel := startTestServer(t)
	defer cancel()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("N\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if reply != "OK\n" {
		t.Fatalf("unexpected reply %q", reply)
	}
}

func TestAddPostRequiresCapabilityOverWire(t *testing.T) {
	addr, cancel := startTestServer(t)
	defer cancel()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("AP0102030405060708090a0b0c0d0e0f10\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if reply[:9] != "Ebad-auth" {
		t.Fatalf("expected a bad-auth error for an anonymous connection, got %q", reply)
	}
}

func TestQuitClosesConnection(t *testing.T) {
	addr, cancel := startTestServer(t)
	defer cancel()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("Q\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	r := bufio.NewReader(conn)
	if _, err := r.ReadString('\n'); err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := r.ReadByte(); err == nil {
		t.Fatalf("expected connection to be closed after Q")
	}
}
