package http

import (
	"lsmkv/pkg/db"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format. Values are raw
// bytes and travel base64 encoded.
type Response struct {
	Status  Status    `json:"status,omitempty"`
	Value   []byte    `json:"value,omitempty"`
	Error   string    `json:"error,omitempty"`
	Stats   *db.Stats `json:"stats,omitempty"`
	Entries []Entry   `json:"entries,omitempty"`
}

// Entry is one key-value pair of a scan result. Both fields are base64
// encoded on the wire.
type Entry struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewValueResponse(value []byte) Response {
	return Response{Status: StatusSuccess, Value: value}
}

func NewStatsResponse(stats db.Stats) Response {
	return Response{Status: StatusSuccess, Stats: &stats}
}

func NewEntriesResponse(entries []Entry) Response {
	if entries == nil {
		entries = []Entry{}
	}
	return Response{Status: StatusSuccess, Entries: entries}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}
