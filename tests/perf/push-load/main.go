package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

type counters struct {
	events   uint64
	attempts uint64
	failures uint64
}

// session holds one push connection open until it drops or ctx ends and
// counts received notifications.
type session func(ctx context.Context, c *counters) error

func sseSession(url, bearer string) session {
	client := &http.Client{}
	return func(ctx context.Context, c *counters) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		if bearer != "" {
			req.Header.Set("Authorization", "Bearer "+bearer)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if strings.HasPrefix(scanner.Text(), "data:") {
				atomic.AddUint64(&c.events, 1)
			}
			if ctx.Err() != nil {
				return nil
			}
		}
		return fmt.Errorf("stream closed")
	}
}

func wsSession(url, bearer string) session {
	return func(ctx context.Context, c *counters) error {
		header := http.Header{}
		if bearer != "" {
			header.Set("Authorization", "Bearer "+bearer)
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			return err
		}
		defer conn.Close()
		go func() {
			<-ctx.Done()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			atomic.AddUint64(&c.events, 1)
		}
	}
}

func main() {
	mode := getenv("PUSH_MODE", "ws")
	bearer := os.Getenv("TEST_BEARER")
	conns := getenvInt("PUSH_CONNECTIONS", 200)
	duration := time.Duration(getenvInt("DURATION_SEC", 120)) * time.Second

	var open session
	switch mode {
	case "sse":
		open = sseSession(getenv("PUSH_URL", "http://localhost:3003/stream"), bearer)
	case "ws":
		open = wsSession(getenv("PUSH_URL", "ws://localhost:3003/ws"), bearer)
	default:
		fmt.Printf("unknown PUSH_MODE %q\n", mode)
		os.Exit(2)
	}

	var c counters
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(conns)
	for range conns {
		go func() {
			defer wg.Done()
			backoff := time.Second
			for ctx.Err() == nil {
				atomic.AddUint64(&c.attempts, 1)
				if err := open(ctx, &c); err == nil || ctx.Err() != nil {
					return
				}
				atomic.AddUint64(&c.failures, 1)
				time.Sleep(backoff)
				backoff = min(backoff*2, 5*time.Second)
			}
		}()
	}

	go func() {
		select {
		case <-time.After(60 * time.Second):
			if atomic.LoadUint64(&c.events) == 0 {
				fmt.Println("no events received in 60s")
				os.Exit(1)
			}
		case <-ctx.Done():
		}
	}()

	wg.Wait()
	failures := atomic.LoadUint64(&c.failures)
	attempts := atomic.LoadUint64(&c.attempts)
	events := atomic.LoadUint64(&c.events)
	failureRate := 0.0
	if attempts > 0 {
		failureRate = float64(failures) / float64(attempts)
	}
	fmt.Printf("mode=%s connections=%d duration_sec=%d events_received=%d connection_failures=%d\n",
		mode, conns, int(duration.Seconds()), events, failures)
	if events == 0 || failureRate > 0.01 {
		os.Exit(1)
	}
}
