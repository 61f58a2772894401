// Package directory manages directories on a host.
package directory

import (
	"context"
	"io/fs"

	inerrors "inapi/internal/errors"
	"inapi/internal/protocol"
	"inapi/internal/session"
	"inapi/file"
)

// CreateOptions control Create.
type CreateOptions struct {
	Mode    fs.FileMode // default 0755
	Parents bool        // create missing parents
}

// Create makes the directory p.  An existing directory is not a change;
// an existing file fails with ErrFileExists.
func Create(ctx context.Context, ex session.Executor, p string, opts CreateOptions) (bool, error) {
	return file.Do(ctx, ex, protocol.OpDirCreate, &protocol.FileArgs{
		Path:      p,
		Mode:      uint32(opts.Mode.Perm()),
		Recursive: opts.Parents,
	})
}

// Remove deletes p; a non-empty directory needs recursive.
func Remove(ctx context.Context, ex session.Executor, p string, recursive bool) (bool, error) {
	return file.Do(ctx, ex, protocol.OpDirRemove, &protocol.FileArgs{Path: p, Recursive: recursive})
}

// Copy copies src to dst.  Without recursive only the top level files
// are copied.
func Copy(ctx context.Context, ex session.Executor, src, dst string, recursive, overwrite bool) error {
	if err := file.CheckPath("dest", dst); err != nil {
		return err
	}
	_, err := file.Do(ctx, ex, protocol.OpDirCopy, &protocol.FileArgs{
		Path:      src,
		Dest:      dst,
		Recursive: recursive,
		Overwrite: overwrite,
	})
	return err
}

// Chown sets the owner of p and, with recursive, of everything below it.
func Chown(ctx context.Context, ex session.Executor, p, user, group string, recursive bool) (bool, error) {
	if user == "" && group == "" {
		return false, inerrors.Invalid("owner", "user or group is required")
	}
	return file.Do(ctx, ex, protocol.OpDirChown, &protocol.FileArgs{
		Path: p, User: user, Group: group, Recursive: recursive,
	})
}

// Chmod sets permission bits like Chown sets owners.
func Chmod(ctx context.Context, ex session.Executor, p string, mode fs.FileMode, recursive bool) (bool, error) {
	return file.Do(ctx, ex, protocol.OpDirChmod, &protocol.FileArgs{
		Path: p, Mode: uint32(mode.Perm()), Recursive: recursive,
	})
}

// List returns the entries of p without content digests.
func List(ctx context.Context, ex session.Executor, p string) ([]file.Info, error) {
	if err := file.CheckPath("path", p); err != nil {
		return nil, err
	}
	var l protocol.DirListing
	if err := session.Call(ctx, ex, protocol.OpDirList, &protocol.FileArgs{Path: p}, &l, nil); err != nil {
		return nil, err
	}
	out := make([]file.Info, len(l.Entries))
	for i := range l.Entries {
		out[i] = *file.FromWire(&l.Entries[i])
	}
	return out, nil
}

// Stat describes p.
func Stat(ctx context.Context, ex session.Executor, p string) (*file.Info, error) {
	return file.Stat(ctx, ex, p)
}
