package event

import (
	"encoding/json"
	"fmt"
)

// Envelope wraps payloads on channels that carry more than one record
// kind, so consumers can dispatch without trial decoding.
type Envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Envelope kinds.
const (
	KindOrderRequest  = "ORDER_REQUEST"
	KindCancelRequest = "CANCEL_REQUEST"
	KindOrder         = "ORDER"
	KindOrderUpdate   = "ORDER_UPDATE"
	KindRequestAck    = "REQUEST_ACK"
	KindCancelAck     = "CANCEL_ACK"
	KindTrade         = "TRADE"
	KindTradeUpdate   = "TRADE_UPDATE"
	KindPosition      = "POSITION"
)

// Encode marshals a payload into an envelope of the given kind.
func Encode(kind string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	return json.Marshal(Envelope{Kind: kind, Payload: raw})
}

// Decode unmarshals an envelope from raw bytes.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	return &env, nil
}
