package server

import (
	"bufio"
	"net"
	"os"
	"testing"
	"time"

	"github.com/crutech/nydus/internal/account"
	"github.com/crutech/nydus/internal/allocpool"
	"github.com/crutech/nydus/internal/authpipeline"
	"github.com/crutech/nydus/internal/sessionprobe"
	"github.com/crutech/nydus/internal/token"
)

func freeRecord(t *testing.T, username, displayName, uuid, gameTok string) *allocpool.Record {
	t.Helper()
	b := account.New(username)
	idp, err := token.New("idp-"+uuid, time.Now().Add(time.Hour), "")
	if err != nil {
		t.Fatalf("token.New: %v", err)
	}
	b.ReplaceIdpToken(idp)
	gt, err := token.New(gameTok, time.Now().Add(time.Hour), "")
	if err != nil {
		t.Fatalf("token.New: %v", err)
	}
	b.ReplaceGameTokenAndIdentity(gt, displayName, uuid)
	return &allocpool.Record{Bundle: b}
}

func newTestEngineWithRecords(t *testing.T, recs []*allocpool.Record) *allocpool.Engine {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/pool.csv"
	if err := os.WriteFile(path, []byte{}, 0644); err != nil {
		t.Fatalf("writing empty pool file: %v", err)
	}
	e, err := allocpool.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	e.UserExists = func(string) bool { return true }
	if err := e.Create(recs); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return e
}

func newServerForTest(t *testing.T, recs []*allocpool.Record) (*Server, net.Listener) {
	t.Helper()
	engine := newTestEngineWithRecords(t, recs)
	pipeline := authpipeline.New(nil)
	prober := &sessionprobe.Prober{CmdName: "true"}

	srv := New(engine, pipeline, prober, nil, MaintenanceConfig{
		Period:            time.Hour,
		AllocationTimeout: 2 * time.Hour,
		RenewalK:          2,
	}, "1.20.6")
	srv.fatal = func(err error) { t.Fatalf("server reported fatal error: %v", err) }

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	if err := srv.Serve(ln); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv, ln
}

func dialAndSend(t *testing.T, ln net.Listener, line string) string {
	t.Helper()
	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(line)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, _ := bufio.NewReader(conn).ReadString('\n')
	return resp
}

func TestRequestAllocatesAndRespondsWithThreeColons(t *testing.T) {
	rec := freeRecord(t, "alice@example.com", "Steve", "uuid-1", "game-tok-1")
	_, ln := newServerForTest(t, []*allocpool.Record{rec})

	resp := dialAndSend(t, ln, "REQUEST alice\n")
	want := "1.20.6:Steve:uuid-1:game-tok-1\n"
	if resp != want {
		t.Fatalf("response = %q, want %q", resp, want)
	}
}

func TestRequestNoFreeRecordClosesWithoutResponse(t *testing.T) {
	rec := freeRecord(t, "alice@example.com", "Steve", "uuid-1", "game-tok-1")
	if err := rec.Allocate("192.168.9.9", "bob", time.Now()); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	_, ln := newServerForTest(t, []*allocpool.Record{rec})

	resp := dialAndSend(t, ln, "REQUEST alice\n")
	if resp != "" {
		t.Fatalf("expected no response, got %q", resp)
	}
}

func TestUnknownCommandClosesWithoutResponse(t *testing.T) {
	rec := freeRecord(t, "alice@example.com", "Steve", "uuid-1", "game-tok-1")
	_, ln := newServerForTest(t, []*allocpool.Record{rec})

	resp := dialAndSend(t, ln, "BOGUS\n")
	if resp != "" {
		t.Fatalf("expected no response, got %q", resp)
	}
}

func TestReleaseReleasesRecordForSourceAddr(t *testing.T) {
	rec := freeRecord(t, "alice@example.com", "Steve", "uuid-1", "game-tok-1")
	srv, ln := newServerForTest(t, []*allocpool.Record{rec})

	first := dialAndSend(t, ln, "REQUEST alice\n")
	if first == "" {
		t.Fatal("expected first allocation to succeed")
	}

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	localAddr, _, _ := net.SplitHostPort(conn.LocalAddr().String())
	if _, err := conn.Write([]byte("RELEASE\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	conn.Close()

	time.Sleep(100 * time.Millisecond)

	all := srv.engine.ViewByAddr(localAddr)
	for _, r := range all {
		if r.IsAllocated() {
			t.Fatalf("expected record released for %s, still allocated", localAddr)
		}
	}
}

func TestReadLineEnforces1024ByteCap(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	go func() {
		big := make([]byte, maxRequestBytes+50)
		for i := range big {
			big[i] = 'a'
		}
		c2.Write(big)
	}()

	c1.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := readLine(c1, maxRequestBytes)
	if err == nil {
		t.Fatal("expected error when no newline arrives within the byte cap")
	}
}
