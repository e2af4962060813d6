// Package protocol defines the messages exchanged with validators and
// other archivers.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	jsoniter "github.com/json-iterator/go"

	"Archiver/internal/crypto"
	"Archiver/internal/cycles"
)

var jsonCodec = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrUnknownCategory is returned for a data category this archiver does not handle.
var ErrUnknownCategory = errors.New("unknown data category")

// EventData is the push event carrying data responses.
const EventData = "DATA"

// Category names a kind of pushed data.
type Category string

const (
	CategoryCycle         Category = "CYCLE"
	CategoryStateMetadata Category = "STATE_METADATA"
)

// Categories lists every category a data sender is asked for.
var Categories = []Category{CategoryCycle, CategoryStateMetadata}

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, error) {
	switch c := Category(s); c {
	case CategoryCycle, CategoryStateMetadata:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
	}
}

// StateHashes are the per-partition state hashes of a cycle.
type StateHashes struct {
	Counter         uint64         `json:"counter"`
	PartitionHashes map[int]string `json:"partitionHashes"`
	NetworkHash     string         `json:"networkHash"`
}

// ReceiptHashes are the per-partition receipt map hashes of a cycle.
type ReceiptHashes struct {
	Counter            uint64         `json:"counter"`
	ReceiptMapHashes   map[int]string `json:"receiptMapHashes"`
	NetworkReceiptHash string         `json:"networkReceiptHash"`
}

// SummaryHashes are the per-partition summary blob hashes of a cycle.
type SummaryHashes struct {
	Counter            uint64         `json:"counter"`
	SummaryHashes      map[int]string `json:"summaryHashes"`
	NetworkSummaryHash string         `json:"networkSummaryHash"`
}

// StateMetaData bundles the hash announcements of one cycle.
type StateMetaData struct {
	Counter       uint64          `json:"counter"`
	StateHashes   []StateHashes   `json:"stateHashes"`
	ReceiptHashes []ReceiptHashes `json:"receiptHashes"`
	SummaryHashes []SummaryHashes `json:"summaryHashes"`
}

// Data is a decoded push response. It is implemented only by CycleData and
// StateMetadataData.
type Data interface {
	Category() Category
	isData()
}

// CycleData carries cycle records, newest first.
type CycleData struct {
	Records []cycles.Record
}

// StateMetadataData carries hash announcements.
type StateMetadataData struct {
	Items []StateMetaData
}

func (CycleData) Category() Category         { return CategoryCycle }
func (StateMetadataData) Category() Category { return CategoryStateMetadata }
func (CycleData) isData()                    {}
func (StateMetadataData) isData()            {}

// Push is an authenticated DATA message from a data sender.
type Push struct {
	PublicKey string
	Responses map[string]json.RawMessage // by category name
	Payload   []byte                     // signed bytes the responses were decoded from
	Signature []byte
}

// NewPush decodes a signed payload into a push.
func NewPush(publicKey string, payload, signature []byte) (Push, error) {
	var responses map[string]json.RawMessage
	if err := jsonCodec.Unmarshal(payload, &responses); err != nil {
		return Push{}, fmt.Errorf("decode push payload:\n%w", err)
	}

	return Push{
		PublicKey: publicKey,
		Responses: responses,
		Payload:   payload,
		Signature: signature,
	}, nil
}

// SignPush builds a push signed by kp. Used by peers and tests.
func SignPush(kp *crypto.KeyPair, responses map[string]any) (Push, error) {
	payload, err := jsonCodec.Marshal(responses)
	if err != nil {
		return Push{}, fmt.Errorf("encode push payload:\n%w", err)
	}

	return NewPush(kp.PublicKey(), payload, kp.SignBytes(payload))
}

// Authentic reports whether the payload was signed by PublicKey.
func (p Push) Authentic() bool {
	return crypto.VerifyBytes(p.PublicKey, p.Payload, p.Signature)
}

// Categories returns the category names present, sorted.
func (p Push) Categories() []string {
	out := make([]string, 0, len(p.Responses))
	for name := range p.Responses {
		out = append(out, name)
	}

	sort.Strings(out)

	return out
}

// Decode converts the raw responses into typed data, cycles first.
// An unrecognised category fails the whole push with ErrUnknownCategory.
func (p Push) Decode() ([]Data, error) {
	out := make([]Data, 0, len(p.Responses))

	for _, name := range p.Categories() {
		category, err := ParseCategory(name)
		if err != nil {
			return nil, err
		}

		raw := p.Responses[name]

		switch category {
		case CategoryCycle:
			var records []cycles.Record
			if err := jsonCodec.Unmarshal(raw, &records); err != nil {
				return nil, fmt.Errorf("decode %s:\n%w", name, err)
			}
			out = append(out, CycleData{Records: records})

		case CategoryStateMetadata:
			var items []StateMetaData
			if err := jsonCodec.Unmarshal(raw, &items); err != nil {
				return nil, fmt.Errorf("decode %s:\n%w", name, err)
			}
			out = append(out, StateMetadataData{Items: items})
		}
	}

	return out, nil
}
