package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"Archiver/internal/archive"
	"Archiver/internal/crypto"
	"Archiver/internal/cycles"
	"Archiver/internal/nodelist"
)

// ArchiverInfo identifies an archiver on the wire.
type ArchiverInfo = cycles.Archiver

// DataRequest asks a validator to push data of one category from lastData on.
type DataRequest struct {
	Type     Category `json:"type"`
	LastData uint64   `json:"lastData"`
}

// QueryKind names a corroboration query.
type QueryKind string

const (
	QueryReceiptMap  QueryKind = "RECEIPT_MAP"
	QuerySummaryBlob QueryKind = "SUMMARY_BLOB"
)

// QueryRequest asks a validator for the bodies behind the hashes of a cycle.
type QueryRequest struct {
	Type     QueryKind `json:"type"`
	LastData uint64    `json:"lastData"`
}

// Tagged is a payload addressed to a single recipient.
type Tagged[T any] struct {
	Payload T          `json:"payload"`
	Tag     crypto.Tag `json:"tag"`
}

// Tag addresses payload to recipient.
func Tag[T any](kp *crypto.KeyPair, payload T, recipient string) (Tagged[T], error) {
	tag, err := kp.Tag(payload, recipient)
	if err != nil {
		return Tagged[T]{}, err
	}

	return Tagged[T]{Payload: payload, Tag: tag}, nil
}

// Authenticate checks that t was addressed to self by its owner.
func (t Tagged[T]) Authenticate(self string) bool {
	return crypto.Authenticate(t.Payload, t.Tag, self)
}

// Signed is a payload signed by its owner.
type Signed[T any] struct {
	Payload T                `json:"payload"`
	Sign    crypto.Signature `json:"sign"`
}

// Sign signs payload with kp.
func Sign[T any](kp *crypto.KeyPair, payload T) (Signed[T], error) {
	sig, err := kp.Sign(payload)
	if err != nil {
		return Signed[T]{}, err
	}

	return Signed[T]{Payload: payload, Sign: sig}, nil
}

// Verify checks the signature over the payload.
func (s Signed[T]) Verify() bool {
	return crypto.Verify(s.Payload, s.Sign)
}

// RequestData is the body of POST /requestdata.
type RequestData struct {
	Requests []Tagged[DataRequest] `json:"requests"`
	NodeInfo ArchiverInfo          `json:"nodeInfo"`
}

// QueryData is the body of POST /querydata.
type QueryData struct {
	Request  Tagged[QueryRequest] `json:"request"`
	NodeInfo ArchiverInfo         `json:"nodeInfo"`
}

// QueryResponse is returned by POST /querydata. Data is keyed by cycle counter.
type QueryResponse struct {
	Success bool                       `json:"success"`
	Data    map[string]json.RawMessage `json:"data"`
}

// StatsClump groups the summary blobs a validator holds for one cycle.
type StatsClump struct {
	Error                 bool                  `json:"error"`
	Cycle                 uint64                `json:"cycle"`
	DataStats             []archive.SummaryBlob `json:"dataStats"`
	TxStats               []archive.SummaryBlob `json:"txStats"`
	Covered               []int                 `json:"covered"`
	CoveredPartitionCount int                   `json:"coveredParititionCount"`
	SkippedPartitionCount int                   `json:"skippedParititionCount"`
}

// ReceiptMaps decodes a RECEIPT_MAP response value.
func ReceiptMaps(raw json.RawMessage) ([]archive.ReceiptMapResult, error) {
	var out []archive.ReceiptMapResult
	if err := jsonCodec.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode receipt maps:\n%w", err)
	}

	return out, nil
}

// StatsClumps decodes a SUMMARY_BLOB response value, which validators send
// either as a single clump or as a list.
func StatsClumps(raw json.RawMessage) ([]StatsClump, error) {
	var list []StatsClump
	if err := jsonCodec.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var one StatsClump
	if err := jsonCodec.Unmarshal(raw, &one); err != nil {
		return nil, fmt.Errorf("decode stats clump:\n%w", err)
	}

	return []StatsClump{one}, nil
}

// JoinRequest asks the network to admit or release an archiver.
type JoinRequest struct {
	NodeInfo         ArchiverInfo `json:"nodeInfo"`
	RequestType      string       `json:"requestType"`
	RequestTimestamp int64        `json:"requestTimestamp"`
}

const (
	RequestJoin  = "JOIN"
	RequestLeave = "LEAVE"
)

// NewJoinRequest builds a join or leave request stamped now.
func NewJoinRequest(info ArchiverInfo, requestType string) JoinRequest {
	return JoinRequest{
		NodeInfo:         info,
		RequestType:      requestType,
		RequestTimestamp: time.Now().Unix(),
	}
}

// NodeListResponse is the body of GET /nodelist.
type NodeListResponse = Signed[NodeList]

// NodeList is the signed payload of GET /nodelist.
type NodeList struct {
	NodeList []nodelist.NodeInfo `json:"nodeList"`
}

// CycleInfoResponse is the body of GET /cycleinfo.
type CycleInfoResponse struct {
	CycleInfo []cycles.Record `json:"cycleInfo"`
}

// StateHashesResponse is the body of GET /statehashes.
type StateHashesResponse struct {
	StateHashes []StateHashes `json:"stateHashes"`
}

// FullArchiveResponse is the body of GET /full-archive.
type FullArchiveResponse struct {
	ArchivedCycles []archive.ArchivedCycle `json:"archivedCycles"`
}
