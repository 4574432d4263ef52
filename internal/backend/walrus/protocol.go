package walrus

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// request is the document `walrus json` reads from stdin.
type request struct {
	Config  string  `json:"config,omitempty"`
	Wallet  string  `json:"wallet,omitempty"`
	Command command `json:"command"`
}

// command holds exactly one non-nil field.
type command struct {
	Store      *storeArgs      `json:"store,omitempty"`
	Read       *readArgs       `json:"read,omitempty"`
	BlobStatus *blobStatusArgs `json:"blobStatus,omitempty"`
	Info       *infoArgs       `json:"info,omitempty"`
	ListBlobs  *listBlobsArgs  `json:"listBlobs,omitempty"`
	Extend     *extendArgs     `json:"extend,omitempty"`
}

type storeArgs struct {
	Files  []string `json:"files"`
	Epochs uint64   `json:"epochs"`
}

type readArgs struct {
	BlobID string `json:"blobId"`
}

type blobStatusArgs struct {
	BlobID string `json:"blobId"`
}

type infoArgs struct{}

type listBlobsArgs struct {
	IncludeExpired bool `json:"includeExpired"`
}

type extendArgs struct {
	BlobObjID      string `json:"blobObjId"`
	EpochsExtended uint64 `json:"epochsExtended"`
}

// blobObject is the on-chain object representing one storage registration.
type blobObject struct {
	ID             string  `json:"id"`
	BlobID         string  `json:"blobId"`
	Size           uint64  `json:"size"`
	Deletable      bool    `json:"deletable"`
	CertifiedEpoch *uint64 `json:"certifiedEpoch"`
	Storage        struct {
		StartEpoch uint64 `json:"startEpoch"`
		EndEpoch   uint64 `json:"endEpoch"`
	} `json:"storage"`
}

// blobResult covers both store outcomes. Older CLI releases put blobId
// directly on the result instead of under blobObject.
type blobResult struct {
	BlobObject *blobObject `json:"blobObject"`
	BlobID     string      `json:"blobId"`
	EndEpoch   uint64      `json:"endEpoch"`
}

func (r *blobResult) id() string {
	if r.BlobObject != nil && r.BlobObject.BlobID != "" {
		return r.BlobObject.BlobID
	}
	return r.BlobID
}

func (r *blobResult) endEpoch() uint64 {
	if r.BlobObject != nil && r.BlobObject.Storage.EndEpoch != 0 {
		return r.BlobObject.Storage.EndEpoch
	}
	return r.EndEpoch
}

type storeResponse struct {
	BlobStoreResult struct {
		NewlyCreated     *blobResult `json:"newlyCreated"`
		AlreadyCertified *blobResult `json:"alreadyCertified"`
	} `json:"blobStoreResult"`
	Path string `json:"path"`
}

// decodeStore accepts the CLI's array of per-file results or a single result.
func decodeStore(data []byte) (storeResponse, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var all []storeResponse
		if err := json.Unmarshal(data, &all); err != nil {
			return storeResponse{}, err
		}
		if len(all) == 0 {
			return storeResponse{}, fmt.Errorf("empty store response")
		}
		return all[0], nil
	}
	var one storeResponse
	err := json.Unmarshal(data, &one)
	return one, err
}

type readResponse struct {
	BlobID string `json:"blobId"`
	// Blob is base64 with the standard alphabet.
	Blob *string `json:"blob"`
}

type blobStatusResponse struct {
	BlobID string          `json:"blobId"`
	Status json.RawMessage `json:"status"`
}

// blobState is the decoded form of the CLI's externally tagged status enum:
// either the string "nonexistent" or an object keyed by variant name.
type blobState struct {
	Variant     string
	EndEpoch    uint64
	IsCertified bool
}

const (
	stateNonexistent = "nonexistent"
	stateInvalid     = "invalid"
	statePermanent   = "permanent"
	stateDeletable   = "deletable"
)

func decodeState(raw json.RawMessage) (blobState, error) {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return blobState{Variant: name}, nil
	}
	var tagged map[string]struct {
		EndEpoch    uint64 `json:"endEpoch"`
		IsCertified bool   `json:"isCertified"`
	}
	if err := json.Unmarshal(raw, &tagged); err != nil {
		return blobState{}, err
	}
	if len(tagged) != 1 {
		return blobState{}, fmt.Errorf("status has %d variants", len(tagged))
	}
	for k, v := range tagged {
		return blobState{Variant: k, EndEpoch: v.EndEpoch, IsCertified: v.IsCertified}, nil
	}
	return blobState{}, nil
}

// infoResponse supports both the nested epochInfo layout and the older flat one.
type infoResponse struct {
	CurrentEpoch *uint64 `json:"currentEpoch"`
	EpochInfo    *struct {
		CurrentEpoch uint64 `json:"currentEpoch"`
	} `json:"epochInfo"`
}

func (r infoResponse) current() (uint64, bool) {
	if r.EpochInfo != nil {
		return r.EpochInfo.CurrentEpoch, true
	}
	if r.CurrentEpoch != nil {
		return *r.CurrentEpoch, true
	}
	return 0, false
}

type extendResponse struct {
	EndEpoch *uint64 `json:"endEpoch"`
}
