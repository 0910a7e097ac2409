// http-loadgen drives concurrent like increments against a likesync instance
// and, optionally, on-demand flushes in between. It reuses HTTP connections
// (keep-alive) so a laptop can push enough traffic to exercise the buffer.
//
// Modes:
//   - single: every like goes to one member
//   - zipf:   approximate 80/20 skew without a PRNG: the hot member gets
//     (hot_every-1)/hot_every of the likes, cold members share the rest
//
// Usage examples:
//
//	http-loadgen -base=http://127.0.0.1:8080 -mode=single -member=post-1 -n=5000 -c=16
//	http-loadgen -base=http://127.0.0.1:8080 -mode=zipf -hot=post-hot -cold=50 -n=8000 -c=16 -flush_every=2000
//
// The summary line prints the number of accepted likes; after the service has
// flushed, the sum over like_counts should grow by exactly that amount.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type modeType string

const (
	modeSingle modeType = "single"
	modeZipf   modeType = "zipf"
)

// picker chooses the member of the i-th like sent by worker id.
type picker struct {
	mode     modeType
	member   string
	hot      string
	cold     int
	hotEvery int
}

func (p picker) pick(id, i int) string {
	if p.mode == modeSingle {
		return p.member
	}
	if (i+id)%p.hotEvery != 0 {
		return p.hot
	}
	return fmt.Sprintf("cold-%d", (i+id)%p.cold+1)
}

// split divides n requests across c workers; the last worker takes the remainder.
func split(n, c int) []int {
	per := n / c
	out := make([]int, c)
	for i := range out {
		out[i] = per
	}
	out[c-1] += n - per*c
	return out
}

func main() {
	var (
		base       = flag.String("base", "http://127.0.0.1:8080", "Base URL including scheme and host")
		modeS      = flag.String("mode", string(modeSingle), "Mode: single|zipf")
		member     = flag.String("member", "post-1", "Member for single mode")
		hot        = flag.String("hot", "post-hot", "Hot member for zipf mode")
		cold       = flag.Int("cold", 50, "Number of cold members in zipf mode")
		hotEvery   = flag.Int("hot_every", 5, "Zipf skew period (hot_every-1 of every hot_every likes go to the hot member; minimum 2)")
		delta      = flag.Int64("delta", 1, "Delta per like request")
		n          = flag.Int("n", 5000, "Total like requests")
		conc       = flag.Int("c", 8, "Concurrent workers")
		flushEvery = flag.Int("flush_every", 0, "If > 0, worker 0 triggers POST /v1/flush after every this many of its own requests")
		timeout    = flag.Duration("timeout", 20*time.Second, "Overall timeout for the run")
		connIdle   = flag.Duration("idle_timeout", 30*time.Second, "HTTP idle connection timeout")
		maxIdle    = flag.Int("max_idle", 256, "Max idle connections total")
		maxIdlePer = flag.Int("max_idle_per_host", 256, "Max idle connections per host")
	)
	flag.Parse()

	m := modeType(strings.ToLower(*modeS))
	if m != modeSingle && m != modeZipf {
		fmt.Fprintf(os.Stderr, "unknown -mode=%s (want single|zipf)\n", *modeS)
		os.Exit(2)
	}
	if *n <= 0 || *conc <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -c must be > 0")
		os.Exit(2)
	}
	if m == modeZipf && *cold <= 0 {
		fmt.Fprintln(os.Stderr, "-cold must be > 0 in zipf mode")
		os.Exit(2)
	}
	if *hotEvery < 2 {
		*hotEvery = 2
	}
	p := picker{mode: m, member: *member, hot: *hot, cold: *cold, hotEvery: *hotEvery}
	baseURL := strings.TrimRight(*base, "/")

	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        *maxIdle,
		MaxIdleConnsPerHost: *maxIdlePer,
		IdleConnTimeout:     *connIdle,
	}
	client := &http.Client{Transport: tr, Timeout: 5 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	send := func(req *http.Request) int {
		resp, err := client.Do(req)
		if err != nil {
			// Brief backoff on errors to avoid hot spinning
			time.Sleep(200 * time.Microsecond)
			return 0
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return resp.StatusCode
	}

	var accepted, failed, flushes int64
	worker := func(id, count int) {
		for i := 0; i < count; i++ {
			if ctx.Err() != nil {
				return
			}
			u := baseURL + "/v1/likes/" + url.PathEscape(p.pick(id, i)) + "?" + url.Values{"delta": {fmt.Sprint(*delta)}}.Encode()
			req, _ := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
			if send(req) == http.StatusAccepted {
				atomic.AddInt64(&accepted, 1)
			} else {
				atomic.AddInt64(&failed, 1)
			}

			if id == 0 && *flushEvery > 0 && (i+1)%*flushEvery == 0 {
				req, _ := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/flush", nil)
				req.Header.Set("Idempotency-Key", uuid.NewString())
				if send(req) == http.StatusOK {
					atomic.AddInt64(&flushes, 1)
				}
			}
		}
	}

	start := time.Now()
	var wg sync.WaitGroup
	for w, count := range split(*n, *conc) {
		wg.Add(1)
		go func(id, c int) {
			defer wg.Done()
			worker(id, c)
		}(w, count)
	}
	wg.Wait()
	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	ops := float64(*n) / elapsed.Seconds()
	fmt.Printf("LoadGen: mode=%s N=%d c=%d go=%d Duration=%s Throughput=%.0f req/s Accepted=%d Failed=%d ExpectedLikes=%d Flushes=%d\n",
		m, *n, *conc, runtime.GOMAXPROCS(0), elapsed.Truncate(time.Millisecond), ops, accepted, failed, accepted**delta, flushes)
}
