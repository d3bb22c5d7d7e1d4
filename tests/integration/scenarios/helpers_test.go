//go:build integration

package scenarios

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"task-pipeline/domain"
	"task-pipeline/tests/integration/internal/httpclient"
	testutil "task-pipeline/tests/utils"
)

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func reachable(t *testing.T, base string) {
	t.Helper()
	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Skipf("skipping, %s not reachable: %v", base, err)
	}
	resp.Body.Close()
}

func uniqueUser(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func taskClient(t *testing.T, userID string) *httpclient.Client {
	base := env("TASK_SERVICE_URL", "http://localhost:3002")
	reachable(t, base)
	return httpclient.New(base, "", userID)
}

func notificationClient(t *testing.T, userID string) *httpclient.Client {
	base := env("NOTIFICATION_SERVICE_URL", "http://localhost:3003")
	reachable(t, base)
	return httpclient.New(base, "", userID)
}

func analyticsClient(t *testing.T) *httpclient.Client {
	base := env("ANALYTICS_SERVICE_URL", "http://localhost:3004")
	reachable(t, base)
	return httpclient.New(base, "", "")
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := testutil.TestToken(userID)
	if err != nil {
		t.Skipf("skipping, cannot sign token: %v", err)
	}
	return tok
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// pushConn dials the WebSocket push endpoint and waits for the welcome.
func pushConn(t *testing.T, n *httpclient.Client, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(n.BaseURL, "http") + "/ws?token=" + token(t, userID)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial push: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if got := nextNotification(t, conn, 5*time.Second); got.Type != domain.NotificationWelcome {
		t.Fatalf("expected welcome, got %+v", got)
	}
	return conn
}

func nextNotification(t *testing.T, conn *websocket.Conn, timeout time.Duration) domain.Notification {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read push frame: %v", err)
	}
	var f frame
	if err := sonic.Unmarshal(msg, &f); err != nil || f.Event != "notification" {
		t.Fatalf("unexpected frame %s (%v)", msg, err)
	}
	var n domain.Notification
	if err := sonic.Unmarshal(f.Data, &n); err != nil {
		t.Fatalf("decode notification: %v", err)
	}
	return n
}
