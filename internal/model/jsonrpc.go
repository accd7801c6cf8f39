package model

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"sync"
	"time"
)

const JsonRpcVersion = "2.0"

type (
	// JsonRpcRequest is a request with still-encoded params.
	JsonRpcRequest struct {
		ID      int64           `json:"id"`
		JsonRpc string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}

	// JsonRpcResponse carries either a result or an error.
	JsonRpcResponse struct {
		ID      int64           `json:"id"`
		JsonRpc string          `json:"jsonrpc"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *Error          `json:"error,omitempty"`
	}

	// JsonRpcPayload is the union used to classify an inbound message before
	// it is decoded into a request or a response.
	JsonRpcPayload struct {
		ID      int64           `json:"id"`
		JsonRpc string          `json:"jsonrpc"`
		Method  string          `json:"method,omitempty"`
		Params  json.RawMessage `json:"params,omitempty"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *Error          `json:"error,omitempty"`
	}
)

func (p *JsonRpcPayload) IsRequest() bool { return p.Method != "" }

func (p *JsonRpcPayload) IsResponse() bool {
	return p.Method == "" && (p.Result != nil || p.Error != nil)
}

func (p *JsonRpcPayload) Request() JsonRpcRequest {
	return JsonRpcRequest{ID: p.ID, JsonRpc: p.JsonRpc, Method: p.Method, Params: p.Params}
}

func (p *JsonRpcPayload) Response() JsonRpcResponse {
	return JsonRpcResponse{ID: p.ID, JsonRpc: p.JsonRpc, Result: p.Result, Error: p.Error}
}

func (r *JsonRpcResponse) IsError() bool { return r.Error != nil }

// DecodeResult unmarshals the result into out, or returns the carried error.
func (r *JsonRpcResponse) DecodeResult(out any) error {
	if r.Error != nil {
		return r.Error
	}
	if out == nil || len(r.Result) == 0 {
		return nil
	}
	return json.Unmarshal(r.Result, out)
}

// NewRequest builds a request with a fresh id. Params are encoded according
// to the encoding rule of the method when it is registered.
func NewRequest(method string, params any) (JsonRpcRequest, error) {
	raw, err := EncodeParams(method, params)
	if err != nil {
		return JsonRpcRequest{}, err
	}
	return JsonRpcRequest{
		ID:      PayloadID(),
		JsonRpc: JsonRpcVersion,
		Method:  method,
		Params:  raw,
	}, nil
}

func NewResult(id int64, result any) (JsonRpcResponse, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return JsonRpcResponse{}, err
	}
	return JsonRpcResponse{ID: id, JsonRpc: JsonRpcVersion, Result: raw}, nil
}

func NewErrorResponse(id int64, e *Error) JsonRpcResponse {
	return JsonRpcResponse{ID: id, JsonRpc: JsonRpcVersion, Error: e}
}

var (
	idMu   sync.Mutex
	lastID int64
)

// PayloadID returns a JSON-RPC id of the form unix-ms*1000 + random(0..999),
// strictly increasing within the process.
func PayloadID() int64 {
	var b [2]byte
	_, _ = rand.Read(b[:])
	id := time.Now().UnixMilli()*1000 + int64(binary.BigEndian.Uint16(b[:])%1000)

	idMu.Lock()
	defer idMu.Unlock()
	if id <= lastID {
		id = lastID + 1
	}
	lastID = id
	return id
}
