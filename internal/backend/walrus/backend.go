// Package walrus implements the blob backend on top of the Walrus CLI.
//
// Every operation is one `walrus json` invocation with a single command
// document on stdin. The CLI owns the wallet, the network connection and the
// erasure coding; this package only builds requests and interprets replies.
package walrus

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/gezibash/git-lfs-walrus/internal/backend"
	"github.com/gezibash/git-lfs-walrus/internal/storage"
)

const (
	KeyWalrusPath = "walrus_path"
	KeyConfigPath = "config_path"
	KeyWalletPath = "wallet_path"
	KeyReadOnly   = "read_only"
	KeySpoolDir   = "spool_dir"
)

// EnvCLIPath overrides the walrus binary when walrus_path is unset.
const EnvCLIPath = "WALRUS_CLI_PATH"

// maxDiagnostic bounds how much CLI stderr is kept on an error.
const maxDiagnostic = 4096

func init() {
	backend.Register("walrus", NewFactory, Defaults)
}

// Defaults returns the default configuration for the walrus backend.
func Defaults() map[string]string {
	return map[string]string{
		KeyWalrusPath: "",
		KeyConfigPath: "",
		KeyWalletPath: "",
		KeyReadOnly:   "false",
		KeySpoolDir:   "",
	}
}

// NewFactory creates a walrus backend from a configuration map.
func NewFactory(_ context.Context, config map[string]string) (backend.Backend, error) {
	path := storage.GetString(config, KeyWalrusPath, "")
	if path == "" {
		path = os.Getenv(EnvCLIPath)
	}
	if path == "" {
		path = "walrus"
	}
	path = storage.ExpandPath(path)

	readOnly, err := storage.GetBool(config, KeyReadOnly, false)
	if err != nil {
		return nil, storage.NewConfigErrorWithValue("walrus", KeyReadOnly, config[KeyReadOnly], err.Error())
	}

	opts := []Option{WithReadOnly(readOnly)}
	if p := storage.GetString(config, KeyConfigPath, ""); p != "" {
		opts = append(opts, WithConfigPath(storage.ExpandPath(p)))
	}
	if p := storage.GetString(config, KeyWalletPath, ""); p != "" {
		opts = append(opts, WithWalletPath(storage.ExpandPath(p)))
	}
	if p := storage.GetString(config, KeySpoolDir, ""); p != "" {
		opts = append(opts, WithSpoolDir(storage.ExpandPath(p)))
	}

	slog.Debug("walrus backend initialized", "cli", path, "read_only", readOnly)
	return New(&ExecRunner{Path: path}, opts...), nil
}

// Backend drives the walrus CLI through a Runner. It holds no mutable state
// and is safe for concurrent use.
type Backend struct {
	runner     Runner
	configPath string
	walletPath string
	readOnly   bool
	spoolDir   string
}

// Option configures a Backend.
type Option func(*Backend)

// WithConfigPath sets the client configuration file passed to the CLI.
func WithConfigPath(p string) Option { return func(b *Backend) { b.configPath = p } }

// WithWalletPath sets the wallet configuration passed to the CLI.
func WithWalletPath(p string) Option { return func(b *Backend) { b.walletPath = p } }

// WithReadOnly disables Store and Extend.
func WithReadOnly(ro bool) Option { return func(b *Backend) { b.readOnly = ro } }

// WithSpoolDir sets where non-file Store input is written before upload.
func WithSpoolDir(dir string) Option { return func(b *Backend) { b.spoolDir = dir } }

// New returns a Backend using runner.
func New(runner Runner, opts ...Option) *Backend {
	b := &Backend{runner: runner}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Supports reports whether the backend can serve d. Uploads need a wallet
// and are refused in read-only mode.
func (b *Backend) Supports(d backend.Direction) bool {
	return d != backend.Upload || !b.readOnly
}

func (b *Backend) Store(ctx context.Context, r io.Reader, epochs uint64) (backend.Stored, error) {
	if err := ctx.Err(); err != nil {
		return backend.Stored{}, backend.NewError("store", "", backend.KindOf(err), err)
	}
	if b.readOnly {
		return backend.Stored{}, backend.Errorf("store", "", backend.Failure, "backend is read-only")
	}

	path, size, cleanup, err := b.materialize(r)
	if err != nil {
		return backend.Stored{}, backend.NewError("store", "", backend.Failure, err)
	}
	defer cleanup()

	out, err := b.call(ctx, "store", "", command{Store: &storeArgs{Files: []string{path}, Epochs: epochs}})
	if err != nil {
		return backend.Stored{}, err
	}
	resp, err := decodeStore(out)
	if err != nil {
		return backend.Stored{}, corrupt("store", "", err, out)
	}

	var result *blobResult
	already := false
	switch {
	case resp.BlobStoreResult.NewlyCreated != nil:
		result = resp.BlobStoreResult.NewlyCreated
	case resp.BlobStoreResult.AlreadyCertified != nil:
		result = resp.BlobStoreResult.AlreadyCertified
		already = true
	default:
		return backend.Stored{}, corrupt("store", "", errors.New("no blob store result"), out)
	}
	id := result.id()
	if id == "" {
		return backend.Stored{}, corrupt("store", "", errors.New("no blob id in result"), out)
	}

	stored := backend.Stored{BlobID: id, Epoch: result.endEpoch(), Size: size, AlreadyCertified: already}
	if stored.Epoch == 0 {
		// Legacy replies omit the end epoch.
		st, err := b.Status(ctx, id)
		if err != nil {
			return backend.Stored{}, backend.NewError("store", id, backend.KindOf(err), err)
		}
		stored.Epoch = st.ExpiryEpoch
	}
	return stored, nil
}

func (b *Backend) Fetch(ctx context.Context, blobID string) ([]byte, error) {
	out, err := b.call(ctx, "fetch", blobID, command{Read: &readArgs{BlobID: blobID}})
	if err != nil {
		return nil, err
	}
	var resp readResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return nil, corrupt("fetch", blobID, err, out)
	}
	if resp.Blob == nil {
		return nil, corrupt("fetch", blobID, errors.New("no blob in read response"), out)
	}
	data, err := base64.StdEncoding.DecodeString(*resp.Blob)
	if err != nil {
		return nil, corrupt("fetch", blobID, err, nil)
	}
	return data, nil
}

func (b *Backend) Status(ctx context.Context, blobID string) (backend.Status, error) {
	state, err := b.blobState(ctx, "status", blobID)
	if err != nil {
		return backend.Status{}, err
	}

	expiry := state.EndEpoch
	if state.Variant == stateDeletable {
		obj, err := b.ownedObject(ctx, "status", blobID)
		if err != nil {
			return backend.Status{}, err
		}
		expiry = obj.Storage.EndEpoch
	}

	current, err := b.currentEpoch(ctx, blobID)
	if err != nil {
		return backend.Status{}, err
	}
	return backend.Status{
		BlobID:       blobID,
		CurrentEpoch: current,
		ExpiryEpoch:  expiry,
		Exists:       true,
	}, nil
}

func (b *Backend) Extend(ctx context.Context, blobID string, epochs uint64) (uint64, error) {
	if b.readOnly {
		return 0, backend.Errorf("extend", blobID, backend.Failure, "backend is read-only")
	}
	if _, err := b.blobState(ctx, "extend", blobID); err != nil {
		return 0, err
	}
	obj, err := b.ownedObject(ctx, "extend", blobID)
	if err != nil {
		return 0, err
	}

	out, err := b.call(ctx, "extend", blobID, command{Extend: &extendArgs{BlobObjID: obj.ID, EpochsExtended: epochs}})
	if err != nil {
		return 0, err
	}
	var resp extendResponse
	if len(strings.TrimSpace(string(out))) > 0 {
		if err := json.Unmarshal(out, &resp); err != nil {
			return 0, corrupt("extend", blobID, err, out)
		}
	}
	if resp.EndEpoch != nil {
		return *resp.EndEpoch, nil
	}
	return obj.Storage.EndEpoch + epochs, nil
}

// Close is a no-op; every call is a separate process.
func (b *Backend) Close() error { return nil }

// blobState runs blobStatus and maps absent or invalidated blobs to NotFound.
func (b *Backend) blobState(ctx context.Context, op, blobID string) (blobState, error) {
	out, err := b.call(ctx, op, blobID, command{BlobStatus: &blobStatusArgs{BlobID: blobID}})
	if err != nil {
		return blobState{}, err
	}
	var resp blobStatusResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return blobState{}, corrupt(op, blobID, err, out)
	}
	state, err := decodeState(resp.Status)
	if err != nil {
		return blobState{}, corrupt(op, blobID, err, out)
	}
	switch state.Variant {
	case stateNonexistent, stateInvalid:
		return blobState{}, backend.Errorf(op, blobID, backend.NotFound, "blob is %s", state.Variant)
	case statePermanent, stateDeletable:
		return state, nil
	default:
		return blobState{}, corrupt(op, blobID, errors.New("unknown blob status "+state.Variant), out)
	}
}

// ownedObject returns the wallet's live registration of blobID with the
// latest end epoch.
func (b *Backend) ownedObject(ctx context.Context, op, blobID string) (blobObject, error) {
	out, err := b.call(ctx, op, blobID, command{ListBlobs: &listBlobsArgs{}})
	if err != nil {
		return blobObject{}, err
	}
	var objs []blobObject
	if err := json.Unmarshal(out, &objs); err != nil {
		return blobObject{}, corrupt(op, blobID, err, out)
	}
	var best *blobObject
	for i := range objs {
		if objs[i].BlobID != blobID {
			continue
		}
		if best == nil || objs[i].Storage.EndEpoch > best.Storage.EndEpoch {
			best = &objs[i]
		}
	}
	if best == nil {
		return blobObject{}, backend.Errorf(op, blobID, backend.Failure, "no blob object for this blob is owned by the wallet")
	}
	return *best, nil
}

func (b *Backend) currentEpoch(ctx context.Context, blobID string) (uint64, error) {
	out, err := b.call(ctx, "status", blobID, command{Info: &infoArgs{}})
	if err != nil {
		return 0, err
	}
	var resp infoResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return 0, corrupt("status", blobID, err, out)
	}
	current, ok := resp.current()
	if !ok {
		return 0, corrupt("status", blobID, errors.New("no current epoch in info response"), out)
	}
	return current, nil
}

// call runs one command and returns its stdout, classifying failures.
func (b *Backend) call(ctx context.Context, op, blobID string, cmd command) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, backend.NewError(op, blobID, backend.KindOf(err), err)
	}
	input, err := json.Marshal(request{Config: b.configPath, Wallet: b.walletPath, Command: cmd})
	if err != nil {
		return nil, backend.NewError(op, blobID, backend.Failure, err)
	}

	out, err := b.runner.Run(ctx, input)
	if err != nil {
		return nil, classify(op, blobID, err)
	}
	return out, nil
}

// materialize returns a path the CLI can read. Regular files at offset zero
// are used in place; anything else is spooled to a temp file.
func (b *Backend) materialize(r io.Reader) (string, int64, func(), error) {
	if f, ok := r.(*os.File); ok {
		if info, err := f.Stat(); err == nil && info.Mode().IsRegular() {
			if off, err := f.Seek(0, io.SeekCurrent); err == nil && off == 0 {
				return f.Name(), info.Size(), func() {}, nil
			}
		}
	}
	spool, err := backend.NewSpool(r, b.spoolDir)
	if err != nil {
		return "", 0, nil, err
	}
	return spool.Path(), spool.Size, func() { _ = spool.Close() }, nil
}

// classify turns a runner failure into a backend error. CLI exits are
// classified from stderr.
func classify(op, blobID string, err error) error {
	var ee *ExitError
	if !errors.As(err, &ee) {
		return backend.NewError(op, blobID, backend.KindOf(err), err)
	}
	e := backend.NewError(op, blobID, classifyStderr(ee.Stderr), err)
	e.Diagnostic = truncate(ee.Stderr, maxDiagnostic)
	return e
}

var (
	notFoundMarkers = []string{
		"not found",
		"does not exist",
		"nonexistent",
		"not registered",
		"has expired",
		"already expired",
	}
	networkMarkers = []string{
		"connection refused",
		"connection reset",
		"timed out",
		"timeout",
		"network",
		"unreachable",
		"dns error",
		"failed to connect",
		"not enough confirmations",
		"rpc error",
	}
)

func classifyStderr(stderr string) backend.Kind {
	s := strings.ToLower(stderr)
	for _, m := range notFoundMarkers {
		if strings.Contains(s, m) {
			return backend.NotFound
		}
	}
	for _, m := range networkMarkers {
		if strings.Contains(s, m) {
			return backend.NetworkFailure
		}
	}
	return backend.Failure
}

func corrupt(op, blobID string, err error, out []byte) error {
	e := backend.NewError(op, blobID, backend.CorruptResponse, err)
	if len(out) > 0 {
		e.Diagnostic = truncate(string(out), 256)
	}
	return e
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
