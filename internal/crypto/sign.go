package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Signature proves that Owner produced a message.
type Signature struct {
	Owner string `json:"owner"` // Owner is the signer's hex public key
	Sig   string `json:"sig"`   // Sig is the hex ed25519 signature
}

// Tag is a Signature additionally bound to one recipient.
type Tag struct {
	Owner     string `json:"owner"`     // Owner is the sender's hex public key
	Recipient string `json:"recipient"` // Recipient is the addressee's hex public key
	Sig       string `json:"sig"`       // Sig is the hex ed25519 signature
}

// KeyPair is the archiver's signing identity.
type KeyPair struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

// NewKeyPair wraps an ed25519 private key.
func NewKeyPair(priv ed25519.PrivateKey) *KeyPair {
	return &KeyPair{
		private: priv,
		public:  priv.Public().(ed25519.PublicKey),
	}
}

// PublicKey returns the hex-encoded public key.
func (k *KeyPair) PublicKey() string {
	return hex.EncodeToString(k.public)
}

// PrivateKey returns the raw private key.
func (k *KeyPair) PrivateKey() ed25519.PrivateKey {
	return k.private
}

// Sign signs the canonical digest of obj.
func (k *KeyPair) Sign(obj any) (Signature, error) {
	sum, err := Digest(obj)
	if err != nil {
		return Signature{}, err
	}

	return Signature{
		Owner: k.PublicKey(),
		Sig:   hex.EncodeToString(ed25519.Sign(k.private, sum[:])),
	}, nil
}

// Tag signs obj for a single recipient.
func (k *KeyPair) Tag(obj any, recipient string) (Tag, error) {
	sum, err := Digest(obj)
	if err != nil {
		return Tag{}, err
	}

	return Tag{
		Owner:     k.PublicKey(),
		Recipient: recipient,
		Sig:       hex.EncodeToString(ed25519.Sign(k.private, tagMessage(sum, recipient))),
	}, nil
}

// SignBytes signs the blake3 digest of data.
func (k *KeyPair) SignBytes(data []byte) []byte {
	sum := blake3.Sum256(data)
	return ed25519.Sign(k.private, sum[:])
}

// Verify checks that sig was produced over obj by sig.Owner.
func Verify(obj any, sig Signature) bool {
	pub, ok := decodePublicKey(sig.Owner)
	if !ok {
		return false
	}

	raw, err := hex.DecodeString(sig.Sig)
	if err != nil {
		return false
	}

	sum, err := Digest(obj)
	if err != nil {
		return false
	}

	return ed25519.Verify(pub, sum[:], raw)
}

// Authenticate checks a tag over obj and that it is addressed to recipient.
func Authenticate(obj any, tag Tag, recipient string) bool {
	if tag.Recipient != recipient {
		return false
	}

	pub, ok := decodePublicKey(tag.Owner)
	if !ok {
		return false
	}

	raw, err := hex.DecodeString(tag.Sig)
	if err != nil {
		return false
	}

	sum, err := Digest(obj)
	if err != nil {
		return false
	}

	return ed25519.Verify(pub, tagMessage(sum, recipient), raw)
}

// VerifyBytes checks a SignBytes signature from the hex public key owner.
func VerifyBytes(owner string, data, sig []byte) bool {
	pub, ok := decodePublicKey(owner)
	if !ok {
		return false
	}

	sum := blake3.Sum256(data)

	return ed25519.Verify(pub, sum[:], sig)
}

// tagMessage binds a digest to its recipient.
func tagMessage(sum [32]byte, recipient string) []byte {
	msg := make([]byte, 0, len(sum)+len(recipient))
	msg = append(msg, sum[:]...)
	return append(msg, recipient...)
}

// decodePublicKey parses a hex ed25519 public key.
func decodePublicKey(owner string) (ed25519.PublicKey, bool) {
	raw, err := hex.DecodeString(owner)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, false
	}

	return ed25519.PublicKey(raw), true
}

// GenerateKeyPair creates a fresh random identity.
func GenerateKeyPair() (*KeyPair, error) {
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return NewKeyPair(priv), nil
}
