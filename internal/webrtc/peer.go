// Package webrtc implements the optional P2P buffer path of the Buffer
// Subscription Service: a `/buffers` WebSocket client and this server
// can negotiate a direct DataChannel for one subscribed session and
// move its binary snapshot stream off the WebSocket relay, falling back
// to the relay if the DataChannel never opens or later fails.
//
// The peer-connection bookkeeping and the swap-write pattern are
// adapted from the teacher's pty.migrate/pty.fallback signaling, kept
// to sessions and DataChannel transport instead of a browser identity.
package webrtc

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/vibetunnel/server/internal/logger"
)

// DCHandler is called when a DataChannel opens for a migration key.
type DCHandler func(key, sessionID string, dc *webrtc.DataChannel)

// CloseHandler is called when a peer connection for a migration key
// fails or closes, so the caller can fall a SwappableWriter back to relay.
type CloseHandler func(key string)

// PeerManager manages one WebRTC PeerConnection per in-flight buffer
// migration, keyed by an opaque migration key the caller controls
// (typically "<wsConnID>:<sessionID>", since one browser tab may
// migrate several sessions over one buffers socket).
type PeerManager struct {
	mu           sync.Mutex
	peers        map[string]*webrtc.PeerConnection
	iceServers   []webrtc.ICEServer
	dcHandler    DCHandler
	closeHandler CloseHandler
}

// NewPeerManager creates a PeerManager with the given ICE servers.
// Pass nil for host-only ICE (same-LAN / same-machine only).
func NewPeerManager(iceServers []webrtc.ICEServer) *PeerManager {
	return &PeerManager{
		peers:      make(map[string]*webrtc.PeerConnection),
		iceServers: iceServers,
	}
}

// OnDC registers the callback fired when a migration's DataChannel opens.
func (pm *PeerManager) OnDC(handler DCHandler) {
	pm.mu.Lock()
	pm.dcHandler = handler
	pm.mu.Unlock()
}

// OnClose registers the callback fired when a migration's peer
// connection fails or closes, so the caller can fall back to relay.
func (pm *PeerManager) OnClose(handler CloseHandler) {
	pm.mu.Lock()
	pm.closeHandler = handler
	pm.mu.Unlock()
}

// HandleOffer processes a browser's SDP offer for migrating sessionID's
// buffer stream to P2P under migration key, returning the answer SDP.
// The DataChannel is expected to carry the label "buffer:<sessionID>".
func (pm *PeerManager) HandleOffer(key, sessionID, sdpOffer string) (string, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: pm.iceServers})
	if err != nil {
		return "", fmt.Errorf("webrtc: new peer connection: %w", err)
	}

	pm.mu.Lock()
	if old, ok := pm.peers[key]; ok {
		old.Close()
	}
	pm.peers[key] = pc
	pm.mu.Unlock()

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		label := dc.Label()
		sid := sessionID
		if strings.HasPrefix(label, "buffer:") {
			sid = label[len("buffer:"):]
		}
		dc.OnOpen(func() {
			logger.Debug("webrtc: data channel opened", "key", key, "session", sid)
			pm.mu.Lock()
			handler := pm.dcHandler
			pm.mu.Unlock()
			if handler != nil {
				handler(key, sid, dc)
			}
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state != webrtc.PeerConnectionStateFailed && state != webrtc.PeerConnectionStateClosed {
			return
		}
		pm.mu.Lock()
		if pm.peers[key] == pc {
			delete(pm.peers, key)
		}
		handler := pm.closeHandler
		pm.mu.Unlock()
		if handler != nil {
			handler(key)
		}
	})

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdpOffer}
	if err := pc.SetRemoteDescription(offer); err != nil {
		pc.Close()
		return "", fmt.Errorf("webrtc: set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("webrtc: create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", fmt.Errorf("webrtc: set local description: %w", err)
	}
	<-gatherComplete

	local := pc.LocalDescription()
	if local == nil {
		pc.Close()
		return "", fmt.Errorf("webrtc: no local description after ICE gathering")
	}
	return local.SDP, nil
}

// CloseKey tears down the peer connection for a migration key, if any.
func (pm *PeerManager) CloseKey(key string) {
	pm.mu.Lock()
	pc, ok := pm.peers[key]
	delete(pm.peers, key)
	pm.mu.Unlock()
	if ok {
		pc.Close()
	}
}

// Close shuts down every peer connection the manager holds.
func (pm *PeerManager) Close() {
	pm.mu.Lock()
	peers := make([]*webrtc.PeerConnection, 0, len(pm.peers))
	for _, pc := range pm.peers {
		peers = append(peers, pc)
	}
	pm.peers = make(map[string]*webrtc.PeerConnection)
	pm.mu.Unlock()
	for _, pc := range peers {
		pc.Close()
	}
}
