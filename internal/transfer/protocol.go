package transfer

import (
	"encoding/json"
)

// Event names on the wire.
const (
	EventInit      = "init"
	EventUpload    = "upload"
	EventDownload  = "download"
	EventTerminate = "terminate"
	EventProgress  = "progress"
	EventComplete  = "complete"
)

// Error codes carried in error replies. They follow HTTP status semantics so
// the host's retry logic can tell transient from permanent failures.
const (
	CodeInitRefused = 32
	CodeBadRequest  = 400
	CodeNotFound    = 404
	CodeIntegrity   = 422
	CodeFailure     = 500
	CodeNetwork     = 502
	CodeCorrupt     = 503
	CodeTimeout     = 504
)

// Request is one line sent by the host.
type Request struct {
	Event string `json:"event"`

	// init
	Operation           string `json:"operation,omitempty"`
	Remote              string `json:"remote,omitempty"`
	Concurrent          *bool  `json:"concurrent,omitempty"`
	ConcurrentTransfers int    `json:"concurrenttransfers,omitempty"`

	// upload, download
	OID    string          `json:"oid,omitempty"`
	Size   int64           `json:"size,omitempty"`
	Path   string          `json:"path,omitempty"`
	Action json.RawMessage `json:"action,omitempty"`
}

// ErrorBody is the error object of init and complete replies.
type ErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	// Kind is the backend error kind, when one applies.
	Kind string `json:"kind,omitempty"`
}

// InitReply acknowledges init. An empty reply means success.
type InitReply struct {
	Error *ErrorBody `json:"error,omitempty"`
}

// Progress reports bytes transferred so far for one request. It never
// resolves the request.
type Progress struct {
	Event          string `json:"event"`
	OID            string `json:"oid"`
	BytesSoFar     int64  `json:"bytesSoFar"`
	BytesSinceLast int64  `json:"bytesSinceLast"`
}

// Complete is the terminal reply for one request, successful or not.
type Complete struct {
	Event string `json:"event"`
	OID   string `json:"oid"`
	// Path is where a download was written.
	Path string `json:"path,omitempty"`
	// BlobID and Epoch describe the stored blob after an upload.
	BlobID string     `json:"blobId,omitempty"`
	Epoch  uint64     `json:"epoch,omitempty"`
	Error  *ErrorBody `json:"error,omitempty"`
}
