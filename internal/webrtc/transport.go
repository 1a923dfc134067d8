package webrtc

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/vibetunnel/server/internal/logger"
)

// WriteFn sends a raw payload over a transport (relay or DataChannel).
type WriteFn func(data []byte) error

// SwappableWriter holds the write path for one session's buffer stream
// and atomically swaps it between the WebSocket relay and a direct
// DataChannel.
// notify carries small JSON control messages ("migrated"/"fallback")
// over the relay side-channel so the browser knows which transport owns
// the stream; it is never redirected to the DataChannel.
type SwappableWriter struct {
	mu         sync.Mutex
	relayWrite WriteFn
	notify     WriteFn
	dcWrite    WriteFn
	mode       string // "relay" or "p2p"
}

// NewSwappableWriter creates a SwappableWriter backed by the relay write
// function. notify sends the migration/fallback control messages.
func NewSwappableWriter(relayWrite, notify WriteFn) *SwappableWriter {
	return &SwappableWriter{
		relayWrite: relayWrite,
		notify:     notify,
		mode:       "relay",
	}
}

// Write sends a buffer frame via whichever transport is currently active.
func (sw *SwappableWriter) Write(data []byte) error {
	sw.mu.Lock()
	w := sw.dcWrite
	if w == nil {
		w = sw.relayWrite
	}
	sw.mu.Unlock()
	return w(data)
}

// MigrateToDC atomically switches the write path to dc, first sending a
// migrated notice over the relay so the browser can stop expecting
// binary frames on that side.
func (sw *SwappableWriter) MigrateToDC(sessionID string, dc *webrtc.DataChannel) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.mode == "p2p" {
		return fmt.Errorf("webrtc: session %s already migrated", sessionID)
	}

	notice, _ := json.Marshal(map[string]string{"migrated": sessionID})
	if err := sw.notify(notice); err != nil {
		return fmt.Errorf("webrtc: send migrated notice: %w", err)
	}

	sw.dcWrite = func(data []byte) error { return dc.Send(data) }
	sw.mode = "p2p"
	logger.Debug("webrtc: session migrated to data channel", "session", sessionID)
	return nil
}

// FallbackToRelay atomically switches the write path back to the relay,
// sending a fallback notice so the browser knows to expect frames there
// again. Safe to call when already on relay (no-op).
func (sw *SwappableWriter) FallbackToRelay(sessionID string) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.mode == "relay" {
		return nil
	}
	sw.dcWrite = nil
	sw.mode = "relay"

	notice, _ := json.Marshal(map[string]string{"fallback": sessionID})
	if err := sw.notify(notice); err != nil {
		return fmt.Errorf("webrtc: send fallback notice: %w", err)
	}
	logger.Debug("webrtc: session fell back to relay", "session", sessionID)
	return nil
}

// Mode reports the current transport, "relay" or "p2p".
func (sw *SwappableWriter) Mode() string {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.mode
}
