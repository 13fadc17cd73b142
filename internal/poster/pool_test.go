package poster

import (
	"sync"
	"testing"
	"time"

	logx "drippost/pkg/logx"
)

func TestPoolSharesSessionPerRoute(t *testing.T) {
	t.Parallel()
	p := NewSessionPool(time.Second, logx.Nop())

	c1, err := p.Acquire("")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	c2, err := p.Acquire("")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if c1 != c2 {
		t.Fatal("same route must share one session")
	}
	if refs := p.Refs(""); refs != 2 {
		t.Fatalf("refs = %d, want 2", refs)
	}
}

func TestPoolClosesOnLastRelease(t *testing.T) {
	t.Parallel()
	p := NewSessionPool(time.Second, logx.Nop())

	c1, _ := p.Acquire("")
	_, _ = p.Acquire("")

	p.Release("")
	if refs := p.Refs(""); refs != 1 {
		t.Fatalf("refs = %d after first release, want 1", refs)
	}

	p.Release("")
	if refs := p.Refs(""); refs != 0 {
		t.Fatalf("refs = %d after last release, want 0", refs)
	}
	// Extra releases past zero are no-ops.
	p.Release("")
	if refs := p.Refs(""); refs != 0 {
		t.Fatalf("refs went negative")
	}

	// Next acquire builds a fresh session.
	c2, err := p.Acquire("")
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if c2 == c1 {
		t.Fatal("session was not rebuilt after close")
	}
}

func TestPoolConcurrentReleaseClosesOnce(t *testing.T) {
	t.Parallel()
	p := NewSessionPool(time.Second, logx.Nop())
	const n = 16
	for i := 0; i < n; i++ {
		if _, err := p.Acquire(""); err != nil {
			t.Fatalf("acquire: %v", err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < n+8; i++ { // more releases than refs
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Release("")
		}()
	}
	wg.Wait()

	if refs := p.Refs(""); refs != 0 {
		t.Fatalf("refs = %d, want 0", refs)
	}
}

func TestPoolRecycleKeepsRefs(t *testing.T) {
	t.Parallel()
	p := NewSessionPool(time.Second, logx.Nop())
	c1, _ := p.Acquire("")
	_, _ = p.Acquire("")

	c2, err := p.Recycle("")
	if err != nil {
		t.Fatalf("recycle: %v", err)
	}
	if c2 == c1 {
		t.Fatal("recycle must rebuild the session")
	}
	if refs := p.Refs(""); refs != 2 {
		t.Fatalf("refs = %d after recycle, want 2", refs)
	}
}

func TestPoolBuildsProxyRoutes(t *testing.T) {
	t.Parallel()
	p := NewSessionPool(time.Second, logx.Nop())

	if _, err := p.Acquire("socks5://user:pw@127.0.0.1:1080"); err != nil {
		t.Fatalf("socks5 route: %v", err)
	}
	if _, err := p.Acquire("http://127.0.0.1:8080"); err != nil {
		t.Fatalf("http route: %v", err)
	}
	if _, err := p.Acquire("ftp://127.0.0.1:21"); err == nil {
		t.Fatal("unsupported scheme must fail")
	}
}

func TestPickRouteStable(t *testing.T) {
	t.Parallel()
	proxies := []string{"socks5://a:1080", "socks5://b:1080", "socks5://c:1080"}

	r1 := PickRoute(proxies, "credential-1")
	r2 := PickRoute(proxies, "credential-1")
	if r1 != r2 {
		t.Fatalf("route not stable: %q vs %q", r1, r2)
	}

	// Must come from the configured set or be the direct route.
	valid := map[string]bool{"": true}
	for _, p := range proxies {
		valid[p] = true
	}
	if !valid[r1] {
		t.Fatalf("route %q not in configured set", r1)
	}

	if r := PickRoute(nil, "credential-1"); r != "" {
		t.Fatalf("no proxies must mean direct, got %q", r)
	}
}
