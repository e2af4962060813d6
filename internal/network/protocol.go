package network

import (
	"encoding/binary"
	"fmt"
	"io"

	flatbuffers "github.com/google/flatbuffers/go"

	"Archiver/internal/crypto"
	"Archiver/internal/protocol"
	"Archiver/internal/types"
)

const (
	// maxFrameSize bounds a single pushed frame. Cycle pushes carrying a
	// full history page stay well below it.
	maxFrameSize = 32 << 20

	// frameHeaderSize is the big-endian length header in front of each frame.
	frameHeaderSize = 4
)

// writeMessage frames data as [uint32 length][data].
func writeMessage(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds %d", len(data), maxFrameSize)
	}

	frame := make([]byte, frameHeaderSize+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[frameHeaderSize:], data)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame:\n%w", err)
	}

	return nil
}

// readMessage reads one frame written by writeMessage.
func readMessage(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("read frame header:\n%w", err)
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds %d", size, maxFrameSize)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read frame body:\n%w", err)
	}

	return data, nil
}

// Envelope is a decoded push envelope.
type Envelope struct {
	PublicKey string
	Event     string
	Payload   []byte
	Signature []byte
}

// EncodeEnvelope serializes an envelope as a flatbuffer.
func EncodeEnvelope(env Envelope) []byte {
	builder := flatbuffers.NewBuilder(len(env.Payload) + len(env.Signature) + 128)

	publicKey := builder.CreateString(env.PublicKey)
	event := builder.CreateString(env.Event)
	payload := builder.CreateByteVector(env.Payload)
	signature := builder.CreateByteVector(env.Signature)

	types.EnvelopeStart(builder)
	types.EnvelopeAddPublicKey(builder, publicKey)
	types.EnvelopeAddEvent(builder, event)
	types.EnvelopeAddPayload(builder, payload)
	types.EnvelopeAddSignature(builder, signature)
	types.FinishEnvelopeBuffer(builder, types.EnvelopeEnd(builder))

	return builder.FinishedBytes()
}

// DecodeEnvelope parses a flatbuffer envelope. Malformed input yields an
// error instead of a panic.
func DecodeEnvelope(data []byte) (env Envelope, err error) {
	if len(data) < flatbuffers.SizeUOffsetT {
		return Envelope{}, fmt.Errorf("envelope too short: %d bytes", len(data))
	}

	defer func() {
		if r := recover(); r != nil {
			env, err = Envelope{}, fmt.Errorf("malformed envelope: %v", r)
		}
	}()

	fb := types.GetRootAsEnvelope(data, 0)

	return Envelope{
		PublicKey: string(fb.PublicKey()),
		Event:     string(fb.Event()),
		Payload:   append([]byte(nil), fb.PayloadBytes()...),
		Signature: append([]byte(nil), fb.SignatureBytes()...),
	}, nil
}

// BuildDataPush signs responses with kp and wraps them in a DATA envelope.
// Validators use it to push; tests use it to stand in for them.
func BuildDataPush(kp *crypto.KeyPair, responses map[string]any) ([]byte, error) {
	push, err := protocol.SignPush(kp, responses)
	if err != nil {
		return nil, err
	}

	return EncodeEnvelope(Envelope{
		PublicKey: push.PublicKey,
		Event:     protocol.EventData,
		Payload:   push.Payload,
		Signature: push.Signature,
	}), nil
}

// ParseDataPush decodes a DATA envelope into a push. Other events are
// rejected. The signature is not checked here.
func ParseDataPush(data []byte) (protocol.Push, error) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return protocol.Push{}, err
	}

	if env.Event != protocol.EventData {
		return protocol.Push{}, fmt.Errorf("unexpected event %q", env.Event)
	}

	return protocol.NewPush(env.PublicKey, env.Payload, env.Signature)
}
