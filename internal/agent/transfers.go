package agent

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"inapi/internal/bulk"
	inerrors "inapi/internal/errors"
	"inapi/internal/protocol"
)

type transferState int

const (
	staging transferState = iota
	committed
	failed
)

// transfer stages the files of one upload.  It outlives the session that
// started it so a later upload of the same payload resumes from the
// committed offsets.
type transfer struct {
	store    *transferStore
	id       string
	manifest *protocol.Manifest
	dir      string

	mu       sync.Mutex
	state    transferState
	err      error
	offsets  []uint64
	progress func(file uint32, received, total uint64)
	done     chan struct{} // closed on commit or failure
}

// transferStore is the agent-wide set of uploads, keyed by payload id.
type transferStore struct {
	root string

	mu        sync.Mutex
	transfers map[string]*transfer
}

func newTransferStore(root string) *transferStore {
	return &transferStore{root: root, transfers: make(map[string]*transfer)}
}

// begin returns the transfer for m, resuming a staged one with an
// identical manifest and replacing one that differs.
func (s *transferStore) begin(m *protocol.Manifest) (t *transfer, resumed uint64, err error) {
	if err := validateManifest(m); err != nil {
		return nil, 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old := s.transfers[m.PayloadID]; old != nil {
		old.mu.Lock()
		same := sameManifest(old.manifest, m) && old.state != failed
		var n uint64
		for _, o := range old.offsets {
			n += o
		}
		old.mu.Unlock()
		if same {
			return old, n, nil
		}
		delete(s.transfers, m.PayloadID)
		old.discard()
	}

	t = &transfer{
		store:    s,
		id:       m.PayloadID,
		manifest: m,
		dir:      filepath.Join(s.root, m.PayloadID+"-"+uuid.NewString()[:8]),
		offsets:  make([]uint64, len(m.Files)),
		done:     make(chan struct{}),
	}
	if err := os.MkdirAll(t.dir, 0o700); err != nil {
		return nil, 0, err
	}
	for i := range m.Files {
		p := t.staged(i)
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return nil, 0, err
		}
		f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			return nil, 0, err
		}
		f.Close()
	}
	s.transfers[m.PayloadID] = t
	t.mu.Lock()
	t.checkComplete()
	t.mu.Unlock()
	return t, 0, nil
}

// committed returns the verified transfer for a payload id.
func (s *transferStore) committed(id string) (*transfer, error) {
	s.mu.Lock()
	t := s.transfers[id]
	s.mu.Unlock()
	if t == nil {
		return nil, inerrors.Domain(inerrors.CodeNotFound, "payload %s was never uploaded", id)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != committed {
		return nil, inerrors.Domain(inerrors.CodeInvalidArgument, "payload %s is not committed", id)
	}
	return t, nil
}

// remove forgets t and deletes its staging directory.
func (s *transferStore) remove(t *transfer) {
	s.mu.Lock()
	if s.transfers[t.id] == t {
		delete(s.transfers, t.id)
	}
	s.mu.Unlock()
	t.discard()
}

// ── transfer ─────────────────────────────────────────────────────────

// staged returns the staging path of file i.
func (t *transfer) staged(i int) string {
	rel := t.manifest.Files[i].Path
	if rel == "" {
		rel = fmt.Sprintf(".file-%d", i)
	}
	return filepath.Join(t.dir, filepath.FromSlash(rel))
}

func (t *transfer) offsetsCopy() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]uint64(nil), t.offsets...)
}

func (t *transfer) onProgress(fn func(file uint32, received, total uint64)) {
	t.mu.Lock()
	t.progress = fn
	t.mu.Unlock()
}

// result returns the terminal error, or nil once committed.
func (t *transfer) result() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// zstdDecoder refuses to inflate a chunk past the largest chunk a
// sender may produce.
var zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(bulk.MaxChunkSize))

// write commits one chunk.  Chunks below the committed offset are
// duplicates from a resumed sender and are ignored.
func (t *transfer) write(c *protocol.Chunk) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != staging {
		return
	}

	if int(c.File) >= len(t.offsets) {
		t.failLocked(inerrors.Invalid("chunk", "file index %d out of range", c.File))
		return
	}
	f := t.manifest.Files[c.File]
	committed := t.offsets[c.File]
	if c.Offset < committed {
		return
	}
	if c.Offset > committed {
		t.failLocked(inerrors.Invalid("chunk", "gap in %s: offset %d, expected %d", f.Path, c.Offset, committed))
		return
	}

	data := c.Data
	if c.Flags&protocol.ChunkCompressed != 0 {
		var err error
		data, err = zstdDecoder.DecodeAll(c.Data, nil)
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
			t.failLocked(inerrors.Invalid("chunk", "compressed chunk of %s at %d inflates past %d bytes", f.Path, c.Offset, bulk.MaxChunkSize))
			return
		}
		if err != nil {
			t.failLocked(inerrors.Domain(inerrors.CodeChecksumMismatch, "corrupt compressed chunk of %s at %d: %v", f.Path, c.Offset, err))
			return
		}
	}
	if xxhash.Sum64(data) != c.Checksum {
		t.failLocked(inerrors.Domain(inerrors.CodeChecksumMismatch, "chunk of %s at offset %d failed its checksum", f.Path, c.Offset))
		return
	}
	if committed+uint64(len(data)) > f.Size {
		t.failLocked(inerrors.Invalid("chunk", "%s exceeds its declared size %d", f.Path, f.Size))
		return
	}

	if err := writeAt(t.staged(int(c.File)), data, int64(c.Offset)); err != nil {
		t.failLocked(err)
		return
	}
	t.offsets[c.File] += uint64(len(data))
	if t.progress != nil {
		t.progress(c.File, t.offsets[c.File], f.Size)
	}
	t.checkComplete()
}

func writeAt(path string, data []byte, off int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(data, off); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// checkComplete verifies and commits once every file is fully received.
// Called with t.mu held.
func (t *transfer) checkComplete() {
	if t.state != staging {
		return
	}
	for i, f := range t.manifest.Files {
		if t.offsets[i] < f.Size {
			return
		}
	}
	for i, f := range t.manifest.Files {
		sum, err := digestFile(t.staged(i))
		if err != nil {
			t.failLocked(err)
			return
		}
		if !bytes.Equal(sum, f.Digest) {
			t.failLocked(inerrors.Domain(inerrors.CodeChecksumMismatch, "digest of %s does not match its manifest", displayPath(f.Path)))
			return
		}
		if f.Mode != 0 {
			if err := os.Chmod(t.staged(i), os.FileMode(f.Mode).Perm()); err != nil {
				t.failLocked(err)
				return
			}
		}
	}
	t.state = committed
	close(t.done)
}

// fail aborts the transfer and discards its staged data.
func (t *transfer) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failLocked(err)
}

func (t *transfer) failLocked(err error) {
	if t.state != staging {
		return
	}
	t.state = failed
	t.err = err
	close(t.done)
	go t.store.remove(t)
}

func (t *transfer) discard() {
	_ = os.RemoveAll(t.dir)
}

// ── manifest checks ──────────────────────────────────────────────────

func validateManifest(m *protocol.Manifest) error {
	if m.PayloadID == "" {
		return inerrors.Invalid("payload_id", "payload id is required")
	}
	if !filepath.IsLocal(m.PayloadID) || filepath.Base(m.PayloadID) != m.PayloadID {
		return inerrors.Invalid("payload_id", "%q is not a valid id", m.PayloadID)
	}
	seen := make(map[string]bool, len(m.Files))
	for _, f := range m.Files {
		if len(f.Digest) != 32 {
			return inerrors.Invalid("digest", "%s: want a 32-byte blake2b-256 digest", displayPath(f.Path))
		}
		if f.Path == "" {
			if m.Dest == "" || len(m.Files) != 1 {
				return inerrors.Invalid("path", "an empty path is only valid for a single-file upload")
			}
			continue
		}
		if !filepath.IsLocal(filepath.FromSlash(f.Path)) {
			return inerrors.Invalid("path", "%q escapes the upload root", f.Path)
		}
		if seen[f.Path] {
			return inerrors.Invalid("path", "%q listed twice", f.Path)
		}
		seen[f.Path] = true
	}
	return nil
}

func sameManifest(a, b *protocol.Manifest) bool {
	if a.Dest != b.Dest || len(a.Files) != len(b.Files) {
		return false
	}
	for i := range a.Files {
		fa, fb := a.Files[i], b.Files[i]
		if fa.Path != fb.Path || fa.Size != fb.Size || fa.Mode != fb.Mode || !bytes.Equal(fa.Digest, fb.Digest) {
			return false
		}
	}
	return true
}

func displayPath(p string) string {
	if p == "" {
		return "(file)"
	}
	return p
}
