// Package api serves programs over HTTP: program discovery and metadata,
// method execution with JSON tensor payloads, and run records.
package api

import "time"

// TensorPayload is the JSON form of a tensor. Values are JSON numbers in
// row-major order; bool tensors use 0 and 1.
type TensorPayload struct {
	DType  string    `json:"dtype"`
	Shape  []int     `json:"shape"`
	Values []float64 `json:"values"`
}

// TensorMeta describes a tensor slot without values.
type TensorMeta struct {
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
}

type MethodInfo struct {
	Name    string       `json:"name"`
	Inputs  []TensorMeta `json:"inputs"`
	Outputs []TensorMeta `json:"outputs"`
	Pools   []int64      `json:"pools"`
	NumOps  int          `json:"num_ops"`
}

type ProgramInfo struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Producer  string       `json:"producer,omitempty"`
	Methods   []MethodInfo `json:"methods"`
	Externals []string     `json:"externals,omitempty"`
}

type ProgramList struct {
	Object string   `json:"object"`
	Data   []string `json:"data"`
}

type RunRequest struct {
	// Method defaults to the program's only method, or "forward".
	Method string          `json:"method,omitempty"`
	Inputs []TensorPayload `json:"inputs"`
}

type RunResponse struct {
	ID         string          `json:"id"`
	Object     string          `json:"object"`
	Program    string          `json:"program"`
	Method     string          `json:"method"`
	CreatedAt  int64           `json:"created_at"`
	Outputs    []TensorPayload `json:"outputs"`
	DurationMS float64         `json:"duration_ms"`
}

func newRunResponse(program, method string, outputs []TensorPayload, dur time.Duration, now time.Time) RunResponse {
	return RunResponse{
		ID:         newRunID(),
		Object:     "run",
		Program:    program,
		Method:     method,
		CreatedAt:  now.Unix(),
		Outputs:    outputs,
		DurationMS: float64(dur.Microseconds()) / 1000,
	}
}

// ErrorBody is the error envelope payload.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
}
