// Package bulk sends files to an agent: it builds upload manifests,
// negotiates resume offsets and streams checksummed chunks on the bulk
// channel of a session.
package bulk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"

	inerrors "inapi/internal/errors"
	"inapi/internal/protocol"
	"inapi/internal/session"
	"inapi/util"
)

const (
	DefaultChunkSize = 256 << 10
	MaxChunkSize     = 4 << 20
)

// Source is one local file of an upload.
type Source struct {
	Local  string // path on this machine
	Rel    string // slash-separated path inside the upload, "" for a single-file upload
	Mode   fs.FileMode
	Size   uint64
	Digest []byte // blake2b-256
}

// Options tunes an upload.
type Options struct {
	ChunkSize int
	// Compress zstd-compresses chunks that shrink.
	Compress bool
	// Progress is called as the agent commits chunks.
	Progress func(file int, received, total uint64)
}

// Result summarizes a committed upload.
type Result struct {
	Files   int
	Bytes   uint64
	Resumed uint64 // bytes the agent already held
}

// ScanFile describes one local file for a single-file upload.
func ScanFile(path string) (Source, error) {
	st, err := os.Stat(path)
	if err != nil {
		return Source{}, err
	}
	if !st.Mode().IsRegular() {
		return Source{}, inerrors.Invalid("path", "%s is not a regular file", path)
	}
	sum, err := digest(path)
	if err != nil {
		return Source{}, err
	}
	return Source{Local: path, Mode: st.Mode().Perm(), Size: uint64(st.Size()), Digest: sum}, nil
}

// ScanDir describes every regular file below root.
func ScanDir(root string) ([]Source, error) {
	var out []Source
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		src, err := ScanFile(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		src.Rel = filepath.ToSlash(rel)
		out = append(out, src)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, inerrors.Invalid("path", "%s contains no files", root)
	}
	return out, nil
}

func digest(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	h, _ := blake2b.New256(nil)
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// Manifest builds the upload manifest for files.
func Manifest(id, dest, backup string, files []Source) *protocol.Manifest {
	m := &protocol.Manifest{PayloadID: id, Dest: dest, Backup: backup}
	for _, f := range files {
		m.Files = append(m.Files, protocol.ManifestFile{
			Path:   f.Rel,
			Mode:   uint32(f.Mode.Perm()),
			Size:   f.Size,
			Digest: f.Digest,
		})
	}
	return m
}

// Upload opens an upload with op, sends each file from the offset the
// agent reports and waits for the agent to verify and commit it.
func Upload(ctx context.Context, ex session.Executor, op protocol.Op, m *protocol.Manifest, files []Source, opts Options) (*Result, error) {
	if len(files) != len(m.Files) {
		return nil, fmt.Errorf("bulk: %d sources for %d manifest files", len(files), len(m.Files))
	}
	b, err := protocol.Marshal(m)
	if err != nil {
		return nil, err
	}

	waitCtx, abandon := context.WithCancel(ctx)
	defer abandon()
	st, err := ex.Execute(waitCtx, op, b)
	if err != nil {
		return nil, err
	}

	offsets, err := awaitResume(waitCtx, st, len(files), opts)
	if err != nil {
		return nil, err
	}

	sendCtx, stopSend := context.WithCancel(ctx)
	defer stopSend()
	sendErr := make(chan error, 1)
	go func() {
		err := send(sendCtx, ex, st.ID(), files, offsets, opts)
		if err != nil {
			// no per-request cancel exists; abandon the response
			abandon()
		}
		sendErr <- err
	}()

	body, err := st.Wait(waitCtx, progress(opts))
	stopSend()
	serr := <-sendErr
	if err != nil {
		if serr != nil && ctx.Err() == nil && !errors.Is(serr, context.Canceled) {
			return nil, serr
		}
		return nil, err
	}

	var res protocol.UploadResult
	if err := protocol.Unmarshal(body, &res); err != nil {
		return nil, err
	}
	return &Result{Files: int(res.Files), Bytes: res.Bytes, Resumed: res.Resumed}, nil
}

// awaitResume reads frames until the agent announces its offsets.
func awaitResume(ctx context.Context, st *session.Stream, n int, opts Options) ([]uint64, error) {
	onProgress := progress(opts)
	for {
		f, err := st.Next(ctx)
		if err != nil {
			return nil, err
		}
		if f.Final {
			return nil, inerrors.Domain(inerrors.CodeAgent, "upload finished before resume offsets were sent")
		}
		if f.Stream != protocol.StreamResume {
			onProgress(f)
			continue
		}
		var ro protocol.ResumeOffsets
		if err := protocol.Unmarshal(f.Data, &ro); err != nil {
			return nil, err
		}
		if len(ro.Offsets) != n {
			return nil, &inerrors.ProtocolError{Op: "resume", RequestID: st.ID(),
				Err: fmt.Errorf("%d offsets for %d files", len(ro.Offsets), n)}
		}
		return ro.Offsets, nil
	}
}

func progress(opts Options) func(session.Frame) {
	return func(f session.Frame) {
		if f.Stream != protocol.StreamProgress || opts.Progress == nil {
			return
		}
		var p protocol.Progress
		if protocol.Unmarshal(f.Data, &p) == nil {
			opts.Progress(int(p.File), p.Received, p.Total)
		}
	}
}

var zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))

func send(ctx context.Context, ex session.Executor, id uint64, files []Source, offsets []uint64, opts Options) error {
	size := opts.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	if size > MaxChunkSize {
		size = MaxChunkSize
	}
	buf := util.GetBuf(size)
	defer util.PutBuf(buf)
	zbuf := util.GetBuf(0)
	defer util.PutBuf(zbuf)

	for i, src := range files {
		off := offsets[i]
		if off >= src.Size {
			continue
		}
		var z *[]byte
		if opts.Compress {
			z = zbuf
		}
		if err := sendFile(ctx, ex, id, uint32(i), src, off, *buf, z); err != nil {
			return err
		}
	}
	return nil
}

// sendFile streams src from off.  zbuf, when non-nil, enables
// compression and is reused as the encoder's output buffer.
func sendFile(ctx context.Context, ex session.Executor, id uint64, idx uint32, src Source, off uint64, buf []byte, zbuf *[]byte) error {
	f, err := os.Open(src.Local)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(int64(off), io.SeekStart); err != nil {
		return err
	}

	for off < src.Size {
		if err := ctx.Err(); err != nil {
			return err
		}
		want := uint64(len(buf))
		if rem := src.Size - off; rem < want {
			want = rem
		}
		n, err := io.ReadFull(f, buf[:want])
		if err != nil {
			return fmt.Errorf("read %s: %w", src.Local, err)
		}
		data := buf[:n]
		c := &protocol.Chunk{ID: id, File: idx, Offset: off, Checksum: xxhash.Sum64(data)}
		if zbuf != nil {
			*zbuf = zstdEncoder.EncodeAll(data, (*zbuf)[:0])
			if z := *zbuf; len(z) < len(data) {
				c.Data, c.Flags = z, protocol.ChunkCompressed
			}
		}
		if c.Data == nil {
			c.Data = data
		}
		if err := ex.SendChunk(c); err != nil {
			return err
		}
		off += uint64(n)
	}
	return nil
}
