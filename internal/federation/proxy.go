package federation

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"

	"golang.org/x/time/rate"

	"github.com/vibetunnel/server/internal/logger"
)

// defaultPeerBandwidth and defaultPeerBurst bound how much request body
// HQ forwards to any one peer per second, so one noisy remote's input
// traffic cannot starve proxied requests to the others.
const (
	defaultPeerBandwidth = 4 << 20 // 4 MiB/s
	defaultPeerBurst     = 1 << 20 // 1 MiB
)

// bandwidthLimiter applies per-peer rate limiting on proxied request
// bodies, generalizing a per-user bandwidth meter to per-peer.
type bandwidthLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rateVal  rate.Limit
	burst    int
}

func newBandwidthLimiter(bytesPerSec, burst int) *bandwidthLimiter {
	return &bandwidthLimiter{
		limiters: make(map[string]*rate.Limiter),
		rateVal:  rate.Limit(bytesPerSec),
		burst:    burst,
	}
}

func (b *bandwidthLimiter) limiterFor(peerID string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	lim, ok := b.limiters[peerID]
	if !ok {
		lim = rate.NewLimiter(b.rateVal, b.burst)
		b.limiters[peerID] = lim
	}
	return lim
}

// wait blocks until n bytes may be sent to peerID, chunking requests
// larger than the burst size so WaitN never rejects outright.
func (b *bandwidthLimiter) wait(r *http.Request, peerID string, n int) error {
	if n <= 0 {
		return nil
	}
	lim := b.limiterFor(peerID)
	for n > 0 {
		chunk := n
		if chunk > b.burst {
			chunk = b.burst
		}
		if err := lim.WaitN(r.Context(), chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Proxy forwards r to the named peer's base URL, injecting the peer's
// bearer token, keyed per peer instead of a single static upstream, and
// reporting failures as BadPeer/PeerGone rather than a generic 502.
func (hq *HQ) Proxy(w http.ResponseWriter, r *http.Request, remoteID string) {
	p, err := hq.peer(remoteID)
	if err != nil {
		http.Error(w, "peer unavailable", http.StatusServiceUnavailable)
		return
	}

	if r.ContentLength > 0 {
		if err := hq.bw.wait(r, remoteID, int(r.ContentLength)); err != nil {
			http.Error(w, "proxy canceled", http.StatusServiceUnavailable)
			return
		}
	}

	rp := hq.reverseProxyFor(p)
	r.Header.Set("Authorization", "Bearer "+p.Token)
	rp.ServeHTTP(w, r)
}

var proxyCacheMu sync.Mutex
var proxyCache = map[string]*httputil.ReverseProxy{}

func invalidateProxyCache(id string) {
	proxyCacheMu.Lock()
	delete(proxyCache, id)
	proxyCacheMu.Unlock()
}

func (hq *HQ) reverseProxyFor(p *Peer) *httputil.ReverseProxy {
	proxyCacheMu.Lock()
	defer proxyCacheMu.Unlock()
	if rp, ok := proxyCache[p.ID]; ok {
		return rp
	}
	target, err := url.Parse(p.BaseURL)
	if err != nil {
		return &httputil.ReverseProxy{
			Director: func(*http.Request) {},
			ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
				http.Error(w, "bad peer base url", http.StatusBadGateway)
			},
		}
	}
	rp := httputil.NewSingleHostReverseProxy(target)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("federation: proxy to peer failed", "id", p.ID, "err", err)
		http.Error(w, "peer unreachable", http.StatusBadGateway)
	}
	proxyCache[p.ID] = rp
	return rp
}
