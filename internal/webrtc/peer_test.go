package webrtc

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func TestPeerManagerLoopback(t *testing.T) {
	pm := NewPeerManager(nil)
	defer pm.Close()

	var dcOpened atomic.Bool
	var receivedMsg []byte
	var wg sync.WaitGroup
	wg.Add(1)

	pm.OnDC(func(key, sessionID string, dc *webrtc.DataChannel) {
		dcOpened.Store(true)
		if sessionID != "test-session" {
			t.Errorf("expected session id 'test-session', got %q", sessionID)
		}
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			receivedMsg = msg.Data
			wg.Done()
		})
	})

	browserPC, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("browser PC: %v", err)
	}
	defer browserPC.Close()

	dc, err := browserPC.CreateDataChannel("buffer:test-session", nil)
	if err != nil {
		t.Fatalf("create data channel: %v", err)
	}

	offer, err := browserPC.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	gatherDone := webrtc.GatheringCompletePromise(browserPC)
	if err := browserPC.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local desc: %v", err)
	}
	<-gatherDone

	answerSDP, err := pm.HandleOffer("conn-1:test-session", "test-session", browserPC.LocalDescription().SDP)
	if err != nil {
		t.Fatalf("handle offer: %v", err)
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := browserPC.SetRemoteDescription(answer); err != nil {
		t.Fatalf("set remote desc: %v", err)
	}

	dcReady := make(chan struct{})
	dc.OnOpen(func() { close(dcReady) })

	select {
	case <-dcReady:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for DC to open")
	}

	testMsg := []byte(`snapshot-bytes`)
	if err := dc.Send(testMsg); err != nil {
		t.Fatalf("dc send: %v", err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}

	if !dcOpened.Load() {
		t.Error("DC handler was never called")
	}
	if string(receivedMsg) != string(testMsg) {
		t.Errorf("received %q, want %q", receivedMsg, testMsg)
	}
}

func TestSwappableWriterOrdering(t *testing.T) {
	var messages []string
	var mu sync.Mutex

	relayWrite := func(data []byte) error {
		mu.Lock()
		messages = append(messages, "relay-frame:"+string(data))
		mu.Unlock()
		return nil
	}
	notify := func(data []byte) error {
		mu.Lock()
		messages = append(messages, "relay-notice:"+string(data))
		mu.Unlock()
		return nil
	}

	sw := NewSwappableWriter(relayWrite, notify)

	sw.Write([]byte("frame-1"))
	if sw.Mode() != "relay" {
		t.Errorf("mode = %s, want relay", sw.Mode())
	}

	mockDCWrite := func(data []byte) error {
		mu.Lock()
		messages = append(messages, "dc:"+string(data))
		mu.Unlock()
		return nil
	}

	sw.mu.Lock()
	sw.notify([]byte(`{"migrated":"s1"}`))
	sw.dcWrite = mockDCWrite
	sw.mode = "p2p"
	sw.mu.Unlock()

	sw.Write([]byte("frame-2"))
	if sw.Mode() != "p2p" {
		t.Errorf("mode = %s, want p2p", sw.Mode())
	}

	if err := sw.FallbackToRelay("s1"); err != nil {
		t.Fatalf("FallbackToRelay: %v", err)
	}
	sw.Write([]byte("frame-3"))
	if sw.Mode() != "relay" {
		t.Errorf("mode = %s, want relay", sw.Mode())
	}

	mu.Lock()
	defer mu.Unlock()

	if len(messages) != 5 {
		t.Fatalf("expected 5 messages, got %d: %v", len(messages), messages)
	}
	if messages[0] != "relay-frame:frame-1" {
		t.Errorf("msg 0: got %s", messages[0])
	}
	if messages[1] != `relay-notice:{"migrated":"s1"}` {
		t.Errorf("msg 1: got %s", messages[1])
	}
	if messages[2] != "dc:frame-2" {
		t.Errorf("msg 2: got %s", messages[2])
	}
	if messages[3] != `relay-notice:{"fallback":"s1"}` {
		t.Errorf("msg 3: got %s", messages[3])
	}
	if messages[4] != "relay-frame:frame-3" {
		t.Errorf("msg 4: got %s", messages[4])
	}
}
