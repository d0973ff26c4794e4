package stratum

import (
	"encoding/json"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/bardlex/roundproxy/internal/mining"
)

// Message represents one line of the JSON-RPC style protocol. Params and
// Result stay raw until the handler knows their shape.
type Message struct {
	ID     any             `json:"id"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error represents an error response. Codes 1-3 match the submission error codes.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Protocol methods
const (
	MethodLogin          = "login"
	MethodGetMiningInfo  = "getMiningInfo"
	MethodSubmitNonce    = "submitNonce"
	MethodGetBlockWinner = "getBlockWinner"
	// MethodMiningInfo is the server notification announcing a new round.
	MethodMiningInfo = "miningInfo"
)

// JSON-RPC error codes for malformed traffic
const (
	ErrorInvalidRequest = -32600
	ErrorMethodNotFound = -32601
	ErrorInvalidParams  = -32602
	ErrorParseError     = -32700
)

// LoginParams carries the miner metadata a line-protocol client sends once.
type LoginParams struct {
	MinerName  string `json:"minerName"`
	Software   string `json:"software,omitempty"`
	Capacity   string `json:"capacity,omitempty"`
	AccountKey string `json:"accountKey,omitempty"`
	// Proxy selects the proxy endpoint; empty picks the first configured one.
	Proxy string `json:"proxy,omitempty"`
}

// SubmitParams is the submitNonce request body. Numbers may arrive bare or quoted.
type SubmitParams struct {
	AccountID    mining.FlexInt `json:"accountId"`
	Height       mining.FlexInt `json:"height"`
	Nonce        mining.FlexInt `json:"nonce"`
	Deadline     mining.FlexInt `json:"deadline"`
	SecretPhrase string         `json:"secretPhrase,omitempty"`
}

// Raw converts the params to the transport-neutral submission shape.
func (p SubmitParams) Raw() mining.RawSubmission {
	return mining.RawSubmission{
		AccountID:    flexString(p.AccountID),
		Height:       flexString(p.Height),
		Nonce:        flexString(p.Nonce),
		Deadline:     flexString(p.Deadline),
		SecretPhrase: p.SecretPhrase,
	}
}

func flexString(f mining.FlexInt) string {
	if f.Int == nil {
		return ""
	}
	return f.String()
}

// SubmitReply is the submitNonce result.
type SubmitReply struct {
	Result   string         `json:"result"`
	Deadline mining.FlexInt `json:"deadline"`
}

// WinnerParams asks for the winner of a height.
type WinnerParams struct {
	Height uint64 `json:"height"`
}

// WinnerReply identifies the account that forged a block.
type WinnerReply struct {
	AccountID string `json:"accountId"`
	BlockHash string `json:"blockHash,omitempty"`
}

// ParseMessage parses a message from one line
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := sonic.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalMessage marshals a message to JSON bytes
func MarshalMessage(msg *Message) ([]byte, error) {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

func rawOf(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

// NewRequest creates a new request message
func NewRequest(id any, method string, params any) (*Message, error) {
	raw, err := rawOf(params)
	if err != nil {
		return nil, err
	}
	return &Message{ID: id, Method: method, Params: raw}, nil
}

// NewResponse creates a new response message
func NewResponse(id any, result any) (*Message, error) {
	raw, err := rawOf(result)
	if err != nil {
		return nil, err
	}
	return &Message{ID: id, Result: raw}, nil
}

// NewErrorResponse creates a new error response message
func NewErrorResponse(id any, code int, message string) *Message {
	return &Message{
		ID: id,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	}
}

// NewNotification creates a new notification message
func NewNotification(method string, params any) (*Message, error) {
	return NewRequest(nil, method, params)
}

// IsRequest returns true if the message is a request
func (m *Message) IsRequest() bool {
	return m.Method != "" && m.ID != nil
}

// IsResponse returns true if the message is a response
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != nil && (m.Result != nil || m.Error != nil)
}

// IsNotification returns true if the message is a notification
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// DecodeParams unmarshals the params into v.
func (m *Message) DecodeParams(v any) error {
	if len(m.Params) == 0 {
		return fmt.Errorf("missing params")
	}
	if err := sonic.Unmarshal(m.Params, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

// DecodeResult unmarshals the result into v, or returns the response error.
func (m *Message) DecodeResult(v any) error {
	if m.Error != nil {
		return m.Error
	}
	if v == nil || len(m.Result) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(m.Result, v); err != nil {
		return fmt.Errorf("invalid result: %w", err)
	}
	return nil
}
