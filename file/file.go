// Package file manages single files on a host.  Every call is one
// request; the agent applies it in full or reports an error, with no
// partial-apply guarantee beyond that.
package file

import (
	"context"
	"io/fs"
	"path"
	"time"

	"github.com/google/uuid"

	inerrors "inapi/internal/errors"
	"inapi/internal/bulk"
	"inapi/internal/protocol"
	"inapi/internal/session"
)

// Info describes a filesystem entry on the host.
type Info struct {
	Path    string
	Exists  bool
	IsDir   bool
	Mode    fs.FileMode
	Size    int64
	ModTime time.Time
	User    string
	UID     int
	Group   string
	GID     int
	// Digest is the hex blake2b-256 of a regular file's contents.
	Digest string
}

// FromWire converts the protocol form.
func FromWire(fi *protocol.FileInfo) *Info {
	mode := fs.FileMode(fi.Mode)
	if fi.IsDir {
		mode |= fs.ModeDir
	}
	return &Info{
		Path:    fi.Path,
		Exists:  fi.Exists,
		IsDir:   fi.IsDir,
		Mode:    mode,
		Size:    int64(fi.Size),
		ModTime: time.Unix(fi.ModTime, 0),
		User:    fi.User,
		UID:     int(fi.UID),
		Group:   fi.Group,
		GID:     int(fi.GID),
		Digest:  fi.Digest,
	}
}

// CheckPath rejects empty and relative remote paths before anything is
// sent.
func CheckPath(field, p string) error {
	if p == "" {
		return inerrors.Invalid(field, "path is required")
	}
	if !path.IsAbs(p) {
		return inerrors.Invalid(field, "%q is not absolute", p)
	}
	return nil
}

// Do sends a file or directory op and reports whether it changed the
// host.  It is shared with the directory package.
func Do(ctx context.Context, ex session.Executor, op protocol.Op, args *protocol.FileArgs) (bool, error) {
	if err := CheckPath("path", args.Path); err != nil {
		return false, err
	}
	var res protocol.Changed
	if err := session.Call(ctx, ex, op, args, &res, nil); err != nil {
		return false, err
	}
	return res.Changed, nil
}

// Stat describes p, which may also be a directory.  A missing path is
// not an error: Exists is false.
func Stat(ctx context.Context, ex session.Executor, p string) (*Info, error) {
	if err := CheckPath("path", p); err != nil {
		return nil, err
	}
	var fi protocol.FileInfo
	if err := session.Call(ctx, ex, protocol.OpFileStat, &protocol.FileArgs{Path: p}, &fi, nil); err != nil {
		return nil, err
	}
	return FromWire(&fi), nil
}

// Exists reports whether p exists.
func Exists(ctx context.Context, ex session.Executor, p string) (bool, error) {
	fi, err := Stat(ctx, ex, p)
	if err != nil {
		return false, err
	}
	return fi.Exists, nil
}

// IsFile reports whether p exists and is not a directory.
func IsFile(ctx context.Context, ex session.Executor, p string) (bool, error) {
	fi, err := Stat(ctx, ex, p)
	if err != nil {
		return false, err
	}
	return fi.Exists && !fi.IsDir, nil
}

// Remove deletes the file p.  Removing a missing file is not a change.
func Remove(ctx context.Context, ex session.Executor, p string) (bool, error) {
	return Do(ctx, ex, protocol.OpFileRemove, &protocol.FileArgs{Path: p})
}

// Move renames src to dst.  An existing dst fails with ErrFileExists
// unless overwrite is set.
func Move(ctx context.Context, ex session.Executor, src, dst string, overwrite bool) error {
	if err := CheckPath("dest", dst); err != nil {
		return err
	}
	_, err := Do(ctx, ex, protocol.OpFileMove, &protocol.FileArgs{Path: src, Dest: dst, Overwrite: overwrite})
	return err
}

// Copy copies src to dst with the overwrite rule of Move.
func Copy(ctx context.Context, ex session.Executor, src, dst string, overwrite bool) error {
	if err := CheckPath("dest", dst); err != nil {
		return err
	}
	_, err := Do(ctx, ex, protocol.OpFileCopy, &protocol.FileArgs{Path: src, Dest: dst, Overwrite: overwrite})
	return err
}

// Chown sets the owner of p.  Either user or group may be empty to leave
// it unchanged; numeric ids are accepted.
func Chown(ctx context.Context, ex session.Executor, p, user, group string) (bool, error) {
	if user == "" && group == "" {
		return false, inerrors.Invalid("owner", "user or group is required")
	}
	return Do(ctx, ex, protocol.OpFileChown, &protocol.FileArgs{Path: p, User: user, Group: group})
}

// Chmod sets the permission bits of p.
func Chmod(ctx context.Context, ex session.Executor, p string, mode fs.FileMode) (bool, error) {
	return Do(ctx, ex, protocol.OpFileChmod, &protocol.FileArgs{Path: p, Mode: uint32(mode.Perm())})
}

// Read returns the contents of p.
func Read(ctx context.Context, ex session.Executor, p string) ([]byte, error) {
	if err := CheckPath("path", p); err != nil {
		return nil, err
	}
	var res protocol.FileContents
	if err := session.Call(ctx, ex, protocol.OpFileRead, &protocol.FileArgs{Path: p}, &res, nil); err != nil {
		return nil, err
	}
	return res.Data, nil
}

// WriteOptions control Write.
type WriteOptions struct {
	Mode      fs.FileMode // default 0644
	Overwrite bool
}

// Write replaces p with data atomically.  Writing identical content and
// mode is not a change.
func Write(ctx context.Context, ex session.Executor, p string, data []byte, opts WriteOptions) (bool, error) {
	return Do(ctx, ex, protocol.OpFileWrite, &protocol.FileArgs{
		Path:      p,
		Data:      data,
		Mode:      uint32(opts.Mode.Perm()),
		Overwrite: opts.Overwrite,
	})
}

// UploadOptions control Upload.
type UploadOptions struct {
	// Backup, when set, renames an existing remote file by appending
	// this suffix before it is replaced.
	Backup    string
	ChunkSize int
	Compress  bool
	Progress  func(received, total uint64)
}

// Upload copies the local file src to remote over the bulk channel.
func Upload(ctx context.Context, ex session.Executor, src, remote string, opts UploadOptions) (*bulk.Result, error) {
	if err := CheckPath("dest", remote); err != nil {
		return nil, err
	}
	source, err := bulk.ScanFile(src)
	if err != nil {
		return nil, err
	}
	m := bulk.Manifest(uuid.NewString(), remote, opts.Backup, []bulk.Source{source})
	bopts := bulk.Options{ChunkSize: opts.ChunkSize, Compress: opts.Compress}
	if opts.Progress != nil {
		bopts.Progress = func(_ int, received, total uint64) { opts.Progress(received, total) }
	}
	return bulk.Upload(ctx, ex, protocol.OpFileUpload, m, []bulk.Source{source}, bopts)
}
