package agent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	inerrors "inapi/internal/errors"
	"inapi/internal/protocol"
)

// handleUpload serves OpPayloadUpload and OpFileUpload.  It announces the
// committed offsets, then waits while the bulk reader fills the transfer.
func handleUpload(ctx context.Context, a *Agent, r *request) (body, error) {
	var m protocol.Manifest
	if err := protocol.Unmarshal(r.Args, &m); err != nil {
		return nil, err
	}
	if r.Op == protocol.OpFileUpload {
		if m.Dest == "" || !filepath.IsAbs(m.Dest) {
			return nil, inerrors.Invalid("dest", "an absolute destination is required")
		}
		if len(m.Files) != 1 {
			return nil, inerrors.Invalid("files", "a file upload carries exactly one file")
		}
	} else if m.Dest != "" {
		return nil, inerrors.Invalid("dest", "payloads are staged by the agent")
	}

	t, resumed, err := a.transfers.begin(&m)
	if err != nil {
		return nil, err
	}
	r.c.track(r.ID, t)
	defer r.c.untrack(r.ID)

	t.onProgress(func(file uint32, received, total uint64) {
		b, err := protocol.Marshal(&protocol.Progress{File: file, Received: received, Total: total})
		if err == nil {
			_ = r.output(protocol.StreamProgress, b)
		}
	})
	defer t.onProgress(nil)

	offsets, err := protocol.Marshal(&protocol.ResumeOffsets{Offsets: t.offsetsCopy()})
	if err != nil {
		return nil, err
	}
	if err := r.output(protocol.StreamResume, offsets); err != nil {
		return nil, err
	}
	if resumed > 0 {
		a.logger.Verbose("payload %s: resuming after %d bytes", m.PayloadID, resumed)
	}

	select {
	case <-t.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := t.result(); err != nil {
		a.logger.Warn("payload %s: %v", m.PayloadID, err)
		return nil, err
	}

	if r.Op == protocol.OpFileUpload {
		defer a.transfers.remove(t)
		if err := installUpload(t); err != nil {
			return nil, err
		}
	}
	return &protocol.UploadResult{
		Files:   uint32(len(m.Files)),
		Bytes:   m.TotalSize(),
		Resumed: resumed,
	}, nil
}

// installUpload moves the single staged file of t to its destination,
// first renaming an existing file when a backup suffix is set.
func installUpload(t *transfer) error {
	m := t.manifest
	dest := m.Dest
	src := t.staged(0)

	if m.Backup != "" {
		if _, err := os.Lstat(dest); err == nil {
			if err := os.Rename(dest, dest+m.Backup); err != nil {
				return fmt.Errorf("backup %s: %w", dest, err)
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	mode := fs.FileMode(m.Files[0].Mode).Perm()
	if mode == 0 {
		mode = 0o644
	}
	if err := os.Rename(src, dest); err != nil {
		// staging may live on another filesystem
		if err := copyRegular(src, dest, mode); err != nil {
			return err
		}
	}
	return os.Chmod(dest, mode)
}

func handlePayloadExec(ctx context.Context, a *Agent, r *request) (body, error) {
	var args protocol.PayloadExecArgs
	if err := protocol.Unmarshal(r.Args, &args); err != nil {
		return nil, err
	}
	if args.PayloadID == "" {
		return nil, inerrors.Invalid("payload_id", "payload id is required")
	}
	if args.Entrypoint == "" {
		return nil, inerrors.Invalid("entrypoint", "entrypoint is required")
	}
	t, err := a.transfers.committed(args.PayloadID)
	if err != nil {
		return nil, err
	}

	found := false
	for _, f := range t.manifest.Files {
		if f.Path == args.Entrypoint {
			found = true
			break
		}
	}
	if !found {
		return nil, inerrors.Domain(inerrors.CodeNotFound, "entrypoint %q is not part of payload %s", args.Entrypoint, args.PayloadID)
	}

	cmd := &protocol.CommandArgs{
		Path: filepath.Join(t.dir, filepath.FromSlash(args.Entrypoint)),
		Args: args.Args,
		Env:  args.Env,
		Dir:  t.dir,
	}
	return a.runCommand(ctx, r, cmd)
}
