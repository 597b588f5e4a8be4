package systemd

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	logx "onelane/pkg/logx"
)

func TestNotifyWithoutSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	t.Setenv("WATCHDOG_USEC", "")
	n := NewNotifier(logx.Nop())
	if n.send("READY=1") {
		t.Fatal("send reported delivery without a socket")
	}
	if err := n.Watchdog(context.Background(), nil); err != nil {
		t.Fatalf("Watchdog: %v", err)
	}
}

func TestNotifySendsState(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sock, Net: "unixgram"})
	if err != nil {
		t.Skipf("unixgram unavailable: %v", err)
	}
	defer conn.Close()
	t.Setenv("NOTIFY_SOCKET", sock)

	n := NewNotifier(logx.Nop())
	n.Ready()
	n.Status("queue=%d", 3)

	buf := make([]byte, 256)
	for _, want := range []string{"READY=1", "STATUS=queue=3"} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		k, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got := string(buf[:k]); got != want {
			t.Fatalf("got %q, want %q", got, want)
		}
	}
}
