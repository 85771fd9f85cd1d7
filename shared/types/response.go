package types

import (
	"encoding/json"

	"repolens/internal/errors"
)

// Response is the terminal frame of a request. Exactly one of Result.OK
// and Result.Error is set.
type Response struct {
	ID     string `json:"id"`
	Result Result `json:"result"`
}

type Result struct {
	OK    *Success      `json:"ok,omitempty"`
	Error *errors.Error `json:"error,omitempty"`
}

type Success struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func OK(id string, kind Kind, data json.RawMessage) *Response {
	return &Response{ID: id, Result: Result{OK: &Success{Kind: kind, Data: data}}}
}

func Failure(id string, err *errors.Error) *Response {
	return &Response{ID: id, Result: Result{Error: err}}
}

func (r *Response) Err() *errors.Error {
	return r.Result.Error
}

// StreamChunk is an intermediate frame of a streaming request.
type StreamChunk struct {
	ID       string          `json:"id"`
	Sequence uint64          `json:"sequence"`
	IsFinal  bool            `json:"is_final"`
	Data     json.RawMessage `json:"data"`
}

// Outbound is one frame written by a transport.
type Outbound struct {
	Chunk    *StreamChunk `json:"chunk,omitempty"`
	Response *Response    `json:"response,omitempty"`
}

// StreamSummary is the data of a successful streaming request's terminal
// response.
type StreamSummary struct {
	Chunks     uint64 `json:"chunks"`
	NextCursor string `json:"next_cursor,omitempty"`
	HasMore    bool   `json:"has_more"`
}
