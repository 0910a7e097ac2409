//go:build e2e

// Package e2e launches the real likesync binary against a Redis at
// 127.0.0.1:6379 and checks likes end up in the durable counter exactly once.
package e2e

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const redisAddr = "127.0.0.1:6379"

type runningServer struct {
	cmd     *exec.Cmd
	baseURL string
	logC    chan string
	exited  chan struct{}
}

func requireRedis(t *testing.T) *redis.Client {
	t.Helper()
	rc := redis.NewClient(&redis.Options{Addr: redisAddr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping: Redis not reachable on %s: %v", redisAddr, err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	return rc
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().String()
}

// startServer builds cmd/likesync into a temp dir and runs it with the redis
// sink plus the given LIKESYNC_ overrides. It returns once /health answers 200.
func startServer(t *testing.T, env map[string]string) *runningServer {
	t.Helper()
	tmpDir := t.TempDir()
	exe := filepath.Join(tmpDir, "likesync")
	build := exec.Command("go", "build", "-o", exe, "likesync/cmd/likesync")
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		t.Fatalf("failed to build likesync: %v", err)
	}

	httpAddr := freeAddr(t)
	vars := map[string]string{
		"LIKESYNC_REDIS__ADDR":    redisAddr,
		"LIKESYNC_SINK__ADAPTER":  "redis",
		"LIKESYNC_DLQ__PUBLISHER": "none",
		"LIKESYNC_DLQ__FILE_PATH": filepath.Join(tmpDir, "dlq.jsonl"),
		"LIKESYNC_HTTP__ADDR":     httpAddr,
		"LIKESYNC_METRICS__ADDR":  freeAddr(t),
		"LIKESYNC_SYNC__INTERVAL": "50ms",
		"LIKESYNC_LOCK__WAIT":     "100ms",
		"LIKESYNC_LOG__LEVEL":     "debug",
	}
	for k, v := range env {
		vars[k] = v
	}
	cmd := exec.Command(exe)
	cmd.Env = os.Environ()
	for k, v := range vars {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	logC := make(chan string, 4096)
	go scanLines(pr, logC)
	if err := cmd.Start(); err != nil {
		t.Fatalf("failed to start likesync: %v", err)
	}
	rs := &runningServer{cmd: cmd, baseURL: "http://" + httpAddr, logC: logC, exited: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		_ = pw.Close()
		close(rs.exited)
	}()
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		<-rs.exited
	})

	client := &http.Client{Timeout: 500 * time.Millisecond}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := client.Get(rs.baseURL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return rs
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("likesync did not become healthy")
	return nil
}

func scanLines(r io.Reader, out chan<- string) {
	s := bufio.NewScanner(r)
	for s.Scan() {
		select {
		case out <- s.Text():
		default:
		}
	}
}

// like posts n increments of delta for member.
func (rs *runningServer) like(t *testing.T, member string, delta, n int) {
	t.Helper()
	client := &http.Client{Timeout: 2 * time.Second}
	for i := 0; i < n; i++ {
		resp, err := client.Post(fmt.Sprintf("%s/v1/likes/%s?delta=%d", rs.baseURL, member, delta), "", nil)
		if err != nil {
			t.Fatalf("like request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusAccepted {
			t.Fatalf("unexpected like status: %d", resp.StatusCode)
		}
	}
}

// stop sends SIGINT and waits for the process to exit.
func (rs *runningServer) stop(t *testing.T) {
	t.Helper()
	if err := rs.cmd.Process.Signal(os.Interrupt); err != nil {
		t.Fatalf("signal: %v", err)
	}
	select {
	case <-rs.exited:
	case <-time.After(15 * time.Second):
		t.Fatalf("likesync did not exit after SIGINT")
	}
}

func (rs *runningServer) sawLog(substr string) bool {
	for {
		select {
		case line := <-rs.logC:
			if strings.Contains(line, substr) {
				return true
			}
		default:
			return false
		}
	}
}

func (rs *runningServer) client() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// flush triggers POST /v1/flush with the given idempotency key and returns the status.
func (rs *runningServer) flush(t *testing.T, client *http.Client, key string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, rs.baseURL+"/v1/flush", nil)
	if err != nil {
		t.Fatalf("build flush request: %v", err)
	}
	req.Header.Set("Idempotency-Key", key)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("flush request failed: %v", err)
	}
	resp.Body.Close()
	return resp.StatusCode
}
