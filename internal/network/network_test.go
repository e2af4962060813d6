package network

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"Archiver/internal/crypto"
	"Archiver/internal/protocol"
)

// generateTestKey generates a random ed25519 key pair for testing.
func generateTestKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	return priv
}

// startSender starts a listening node standing in for a validator.
func startSender(t *testing.T, priv ed25519.PrivateKey) *Node {
	t.Helper()

	node, err := NewNode(Config{PrivateKey: priv, ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("create sender: %v", err)
	}

	if err := node.Start(); err != nil {
		t.Fatalf("start sender: %v", err)
	}
	t.Cleanup(func() { node.Close() })

	return node
}

// newArchiver creates a dial-only node.
func newArchiver(t *testing.T) *Node {
	t.Helper()

	node, err := NewNode(Config{PrivateKey: generateTestKey(t), ReconnectDelay: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("create archiver: %v", err)
	}
	t.Cleanup(func() { node.Close() })

	return node
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatal("condition not met before deadline")
}

func TestSubscribeReceivesPush(t *testing.T) {
	senderKey := generateTestKey(t)
	sender := startSender(t, senderKey)
	archiver := newArchiver(t)

	received := make(chan protocol.Push, 1)
	archiver.OnMessage(func(p *Peer, data []byte) {
		push, err := ParseDataPush(data)
		if err != nil {
			t.Errorf("parse push: %v", err)
			return
		}
		received <- push
	})

	if _, err := archiver.Subscribe(sender.Addr(), sender.PublicKey()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	waitFor(t, func() bool { return len(sender.Peers()) == 1 })

	kp := crypto.NewKeyPair(senderKey)
	frame, err := BuildDataPush(kp, map[string]any{"CYCLE": []any{}})
	if err != nil {
		t.Fatalf("build push: %v", err)
	}

	if err := sender.Peers()[0].Send(frame); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case push := <-received:
		if push.PublicKey != sender.PublicKey() {
			t.Errorf("push key: got %s, want %s", push.PublicKey, sender.PublicKey())
		}
		if !push.Authentic() {
			t.Error("push signature did not verify")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("push not received")
	}
}

func TestSubscribeRejectsWrongKey(t *testing.T) {
	sender := startSender(t, generateTestKey(t))
	archiver := newArchiver(t)

	other := crypto.NewKeyPair(generateTestKey(t))

	if _, err := archiver.Subscribe(sender.Addr(), other.PublicKey()); err == nil {
		t.Fatal("expected key mismatch error")
	}

	if len(archiver.Peers()) != 0 {
		t.Errorf("peer count: got %d, want 0", len(archiver.Peers()))
	}
}

func TestSubscribeReplacesPrevious(t *testing.T) {
	first := startSender(t, generateTestKey(t))
	second := startSender(t, generateTestKey(t))
	archiver := newArchiver(t)

	if _, err := archiver.Subscribe(first.Addr(), first.PublicKey()); err != nil {
		t.Fatalf("subscribe first: %v", err)
	}

	if _, err := archiver.Subscribe(second.Addr(), second.PublicKey()); err != nil {
		t.Fatalf("subscribe second: %v", err)
	}

	peers := archiver.Peers()
	if len(peers) != 1 || peers[0].KeyHex() != second.PublicKey() {
		t.Fatalf("expected only the second sender, got %d peers", len(peers))
	}

	// The dropped sender must not come back through reconnection.
	time.Sleep(200 * time.Millisecond)

	if p := archiver.peer(first.PublicKey()); p != nil {
		t.Error("first sender was reconnected")
	}
}

func TestSubscribeSameSenderKeepsConnection(t *testing.T) {
	sender := startSender(t, generateTestKey(t))
	archiver := newArchiver(t)

	a, err := archiver.Subscribe(sender.Addr(), sender.PublicKey())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	b, err := archiver.Subscribe(sender.Addr(), sender.PublicKey())
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}

	if a != b {
		t.Error("resubscribing to the same sender opened a new connection")
	}
}

func TestReconnectAfterSenderRestart(t *testing.T) {
	senderKey := generateTestKey(t)
	sender := startSender(t, senderKey)
	archiver := newArchiver(t)

	var mu sync.Mutex
	connects := 0
	archiver.OnConnect(func(*Peer) {
		mu.Lock()
		connects++
		mu.Unlock()
	})

	if _, err := archiver.Subscribe(sender.Addr(), sender.PublicKey()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	addr := sender.Addr()
	sender.Close()

	waitFor(t, func() bool { return len(archiver.Peers()) == 0 })

	restarted, err := NewNode(Config{PrivateKey: senderKey, ListenAddr: addr})
	if err != nil {
		t.Fatalf("create restarted sender: %v", err)
	}
	if err := restarted.Start(); err != nil {
		t.Skipf("address %s not reusable: %v", addr, err)
	}
	defer restarted.Close()

	waitFor(t, func() bool { return len(archiver.Peers()) == 1 })

	mu.Lock()
	defer mu.Unlock()
	if connects != 2 {
		t.Errorf("connect callbacks: got %d, want 2", connects)
	}
}

func TestDisconnectStopsReconnect(t *testing.T) {
	sender := startSender(t, generateTestKey(t))
	archiver := newArchiver(t)

	if _, err := archiver.Subscribe(sender.Addr(), sender.PublicKey()); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	archiver.Disconnect(sender.PublicKey())
	time.Sleep(200 * time.Millisecond)

	if len(archiver.Peers()) != 0 {
		t.Errorf("peer count after disconnect: got %d, want 0", len(archiver.Peers()))
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	in := Envelope{
		PublicKey: "abcd",
		Event:     protocol.EventData,
		Payload:   []byte(`{"CYCLE":[]}`),
		Signature: []byte{1, 2, 3},
	}

	out, err := DecodeEnvelope(EncodeEnvelope(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if out.PublicKey != in.PublicKey || out.Event != in.Event {
		t.Errorf("header mismatch: %+v", out)
	}
	if !bytes.Equal(out.Payload, in.Payload) || !bytes.Equal(out.Signature, in.Signature) {
		t.Errorf("body mismatch: %+v", out)
	}
}

func TestDecodeEnvelopeMalformed(t *testing.T) {
	for _, data := range [][]byte{
		nil,
		{1, 2},
		{0xff, 0xff, 0xff, 0x7f, 0, 0, 0, 0},
	} {
		if _, err := DecodeEnvelope(data); err == nil {
			t.Errorf("expected error for %x", data)
		}
	}
}

func TestParseDataPushRejectsOtherEvent(t *testing.T) {
	frame := EncodeEnvelope(Envelope{PublicKey: "ab", Event: "GOSSIP", Payload: []byte(`{}`)})

	if _, err := ParseDataPush(frame); err == nil {
		t.Fatal("expected error for non DATA event")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	for _, msg := range [][]byte{[]byte("first"), {}, []byte("third")} {
		if err := writeMessage(&buf, msg); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	for _, want := range []string{"first", "", "third"} {
		got, err := readMessage(&buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(got) != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}

func TestFrameTooLarge(t *testing.T) {
	if err := writeMessage(&bytes.Buffer{}, make([]byte, maxFrameSize+1)); err == nil {
		t.Error("expected write error")
	}

	header := []byte{0xff, 0xff, 0xff, 0xff}
	if _, err := readMessage(bytes.NewReader(header)); err == nil {
		t.Error("expected read error")
	}
}

func TestFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	writeMessage(&buf, []byte("payload"))

	truncated := buf.Bytes()[:buf.Len()-2]
	if _, err := readMessage(bytes.NewReader(truncated)); err == nil {
		t.Error("expected error for truncated frame")
	}
}
