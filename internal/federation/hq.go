package federation

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/vibetunnel/server/internal/logger"
	"github.com/vibetunnel/server/internal/vterr"
)

// healthInterval and healthTimeout implement HQ's health-check cadence:
// a peer is polled every 15s with a short timeout (~2s).
const (
	healthInterval  = 15 * time.Second
	healthTimeout   = 2 * time.Second
	unhealthyAfterN = 3
)

// HQ is the aggregator side of the Federation Layer: it owns the
// durable peer registry and the in-memory health view, health-checks
// peers on a timer, and proxies operations on remote-owned sessions.
type HQ struct {
	store      *Store
	signingKey *ecdsa.PrivateKey
	client     *http.Client
	bw         *bandwidthLimiter

	mu    sync.RWMutex
	peers map[string]*Peer
}

// NewHQ loads the peer registry from st and prepares the in-memory
// health cache, recovering any peers registered before a restart.
func NewHQ(st *Store, signingKey *ecdsa.PrivateKey) (*HQ, error) {
	hq := &HQ{
		store:      st,
		signingKey: signingKey,
		client:     &http.Client{Timeout: healthTimeout},
		bw:         newBandwidthLimiter(defaultPeerBandwidth, defaultPeerBurst),
		peers:      make(map[string]*Peer),
	}
	existing, err := st.List()
	if err != nil {
		return nil, err
	}
	for _, p := range existing {
		p.Healthy = true // optimistic until the first health check says otherwise
		hq.peers[p.ID] = p
	}
	return hq, nil
}

// Register records a new peer, or verifies+updates an existing one's
// baseUrl/name: a remote registers with HQ by POSTing
// {id, baseUrl, token, name}.
func (hq *HQ) Register(id, baseURL, token, name string) (*Peer, error) {
	if id == "" || baseURL == "" || token == "" {
		return nil, vterr.Sentinel(vterr.InvalidArgs)
	}

	hq.mu.Lock()
	defer hq.mu.Unlock()

	if existing, ok := hq.peers[id]; ok {
		if bcrypt.CompareHashAndPassword([]byte(existing.TokenHash), []byte(token)) != nil {
			return nil, vterr.Sentinel(vterr.Unauthorized)
		}
		if existing.BaseURL != baseURL {
			invalidateProxyCache(existing.ID)
		}
		existing.BaseURL = baseURL
		existing.Name = name
		if err := hq.store.Upsert(existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return nil, vterr.Wrap(vterr.ConfigError, err)
	}
	prefix := token
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	p := &Peer{
		ID: id, Name: name, BaseURL: baseURL, Token: token,
		TokenHash: string(hash), TokenPrefix: prefix,
		RegisteredAt: time.Now(), Healthy: true,
	}
	if err := hq.store.Upsert(p); err != nil {
		return nil, err
	}
	hq.peers[id] = p
	return p, nil
}

// Remove drops a peer from the registry and the in-memory view.
func (hq *HQ) Remove(id string) error {
	hq.mu.Lock()
	defer hq.mu.Unlock()
	if _, ok := hq.peers[id]; !ok {
		return vterr.Sentinel(vterr.PeerGone)
	}
	delete(hq.peers, id)
	invalidateProxyCache(id)
	return hq.store.Delete(id)
}

// ListPeers returns value copies of every registered peer for `GET /remotes`.
func (hq *HQ) ListPeers() []Peer {
	hq.mu.RLock()
	defer hq.mu.RUnlock()
	out := make([]Peer, 0, len(hq.peers))
	for _, p := range hq.peers {
		out = append(out, *p)
	}
	return out
}

func (hq *HQ) peer(id string) (*Peer, error) {
	hq.mu.RLock()
	defer hq.mu.RUnlock()
	p, ok := hq.peers[id]
	if !ok {
		return nil, vterr.Sentinel(vterr.PeerGone)
	}
	if !p.Healthy {
		return nil, vterr.Sentinel(vterr.PeerGone)
	}
	cp := *p
	return &cp, nil
}

// Run executes the periodic health-check loop until ctx is canceled:
// three consecutive failures remove the peer and all its sessions from
// the HQ view.
func (hq *HQ) Run(ctx context.Context) {
	t := time.NewTicker(healthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			hq.checkAll(ctx)
		}
	}
}

func (hq *HQ) checkAll(ctx context.Context) {
	hq.mu.RLock()
	ids := make([]string, 0, len(hq.peers))
	for id := range hq.peers {
		ids = append(ids, id)
	}
	hq.mu.RUnlock()

	for _, id := range ids {
		hq.checkOne(ctx, id)
	}
}

func (hq *HQ) checkOne(ctx context.Context, id string) {
	hq.mu.RLock()
	p, ok := hq.peers[id]
	hq.mu.RUnlock()
	if !ok {
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.BaseURL+"/sessions", nil)
	if err == nil {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}
	resp, err := hq.client.Do(req)
	healthy := err == nil && resp != nil && resp.StatusCode < 500
	if resp != nil {
		resp.Body.Close()
	}

	hq.mu.Lock()
	defer hq.mu.Unlock()
	cur, ok := hq.peers[id]
	if !ok {
		return
	}
	if healthy {
		cur.Failures = 0
		cur.Healthy = true
		cur.LastHealthy = time.Now()
		hq.store.UpdateLastHealthy(id, cur.LastHealthy)
		return
	}
	cur.Failures++
	logger.Warn("federation: peer health check failed", "id", id, "failures", cur.Failures, "err", err)
	if cur.Failures >= unhealthyAfterN {
		cur.Healthy = false
		delete(hq.peers, id)
		hq.store.Delete(id)
		logger.Warn("federation: peer removed after repeated failures", "id", id)
	}
}

// remoteSession is the shape HQ expects back from a peer's `GET
// /sessions` / `POST /sessions`, kept local (rather than importing
// httpapi, which imports this package) and re-tagged with origin/remoteId.
type remoteSession map[string]any

// MergedRemoteSessions fetches every healthy peer's session list and
// tags each entry with its owning peer: HQ's list-sessions view merges
// local sessions and every peer's sessions, tagging each with its origin.
func (hq *HQ) MergedRemoteSessions(ctx context.Context) []remoteSession {
	hq.mu.RLock()
	peers := make([]*Peer, 0, len(hq.peers))
	for _, p := range hq.peers {
		if p.Healthy {
			cp := *p
			peers = append(peers, &cp)
		}
	}
	hq.mu.RUnlock()

	var merged []remoteSession
	for _, p := range peers {
		sessions, err := hq.fetchSessions(ctx, p)
		if err != nil {
			logger.Warn("federation: list sessions failed, degrading to local-only for this peer", "id", p.ID, "err", err)
			continue
		}
		for _, s := range sessions {
			s["origin"] = "remote"
			s["remoteId"] = p.ID
			merged = append(merged, s)
		}
	}
	return merged
}

func (hq *HQ) fetchSessions(ctx context.Context, p *Peer) ([]remoteSession, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.BaseURL+"/sessions", nil)
	if err != nil {
		return nil, vterr.Wrap(vterr.BadPeer, err)
	}
	req.Header.Set("Authorization", "Bearer "+p.Token)
	resp, err := hq.client.Do(req)
	if err != nil {
		return nil, vterr.Wrap(vterr.BadPeer, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, vterr.New(vterr.BadPeer, "peer %s returned %d", p.ID, resp.StatusCode)
	}
	var sessions []remoteSession
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, vterr.Wrap(vterr.BadPeer, err)
	}
	return sessions, nil
}

// CreateOnRemote proxies `POST /sessions` with remoteId set to a peer.
func (hq *HQ) CreateOnRemote(ctx context.Context, remoteID string, body any) (map[string]any, error) {
	p, err := hq.peer(remoteID)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, vterr.Wrap(vterr.InvalidArgs, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.BaseURL+"/sessions", bytes.NewReader(data))
	if err != nil {
		return nil, vterr.Wrap(vterr.BadPeer, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.Token)
	resp, err := hq.client.Do(req)
	if err != nil {
		return nil, vterr.Wrap(vterr.BadPeer, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, vterr.New(vterr.BadPeer, "peer %s returned %d", p.ID, resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, vterr.Wrap(vterr.BadPeer, err)
	}
	return out, nil
}

// RefreshSessions re-fetches one peer's session list on demand.
func (hq *HQ) RefreshSessions(ctx context.Context, remoteID string) ([]remoteSession, error) {
	p, err := hq.peer(remoteID)
	if err != nil {
		return nil, err
	}
	return hq.fetchSessions(ctx, p)
}
