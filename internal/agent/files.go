package agent

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"

	"golang.org/x/crypto/blake2b"

	inerrors "inapi/internal/errors"
	"inapi/internal/protocol"
)

// maxReadSize bounds OpFileRead; larger files go through the bulk channel.
const maxReadSize = 8 << 20

// ── stat ─────────────────────────────────────────────────────────────

// statPath describes path.  A missing path is reported with Exists
// false rather than an error.
func statPath(path string, digest bool) (*protocol.FileInfo, error) {
	st, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &protocol.FileInfo{Path: path}, nil
	}
	if err != nil {
		return nil, err
	}
	fi := describe(path, st)
	if digest && st.Mode().IsRegular() {
		if fi.Digest, err = fileDigest(path); err != nil {
			return nil, err
		}
	}
	return fi, nil
}

func describe(path string, st fs.FileInfo) *protocol.FileInfo {
	fi := &protocol.FileInfo{
		Path:    path,
		Exists:  true,
		IsDir:   st.IsDir(),
		Mode:    uint32(st.Mode().Perm()),
		Size:    uint64(st.Size()),
		ModTime: st.ModTime().Unix(),
	}
	if uid, gid, ok := ownerOf(st); ok {
		fi.UID, fi.GID = uid, gid
		if u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10)); err == nil {
			fi.User = u.Username
		}
		if g, err := user.LookupGroupId(strconv.FormatUint(uint64(gid), 10)); err == nil {
			fi.Group = g.Name
		}
	}
	return fi
}

// fileDigest returns the hex blake2b-256 of a file's contents.
func fileDigest(path string) (string, error) {
	sum, err := digestFile(path)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}

func digestFile(path string) ([]byte, error) {
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

func listDir(path string) (*protocol.DirListing, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	out := &protocol.DirListing{Entries: make([]protocol.FileInfo, 0, len(entries))}
	for _, e := range entries {
		st, err := e.Info()
		if err != nil {
			continue
		}
		out.Entries = append(out.Entries, *describe(filepath.Join(path, e.Name()), st))
	}
	return out, nil
}

// ── mutation ─────────────────────────────────────────────────────────

func removePath(path string, dir, recursive bool) (*protocol.Changed, error) {
	st, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return &protocol.Changed{}, nil
	}
	if err != nil {
		return nil, err
	}
	switch {
	case dir && !st.IsDir():
		return nil, inerrors.Invalid("path", "%s is not a directory", path)
	case !dir && st.IsDir():
		return nil, inerrors.Invalid("path", "%s is a directory", path)
	}
	if recursive {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if err != nil {
		return nil, err
	}
	return &protocol.Changed{Changed: true}, nil
}

func movePath(args *protocol.FileArgs) (*protocol.Changed, error) {
	if args.Dest == "" {
		return nil, inerrors.Invalid("dest", "destination is required")
	}
	if err := checkDest(args.Dest, args.Overwrite); err != nil {
		return nil, err
	}
	if err := os.Rename(args.Path, args.Dest); err != nil {
		return nil, err
	}
	return &protocol.Changed{Changed: true}, nil
}

func copyFile(args *protocol.FileArgs) (*protocol.Changed, error) {
	if args.Dest == "" {
		return nil, inerrors.Invalid("dest", "destination is required")
	}
	st, err := os.Stat(args.Path)
	if err != nil {
		return nil, err
	}
	if st.IsDir() {
		return nil, inerrors.Invalid("path", "%s is a directory", args.Path)
	}
	if err := checkDest(args.Dest, args.Overwrite); err != nil {
		return nil, err
	}
	if err := copyRegular(args.Path, args.Dest, st.Mode().Perm()); err != nil {
		return nil, err
	}
	return &protocol.Changed{Changed: true}, nil
}

func copyDir(args *protocol.FileArgs) (*protocol.Changed, error) {
	if args.Dest == "" {
		return nil, inerrors.Invalid("dest", "destination is required")
	}
	st, err := os.Stat(args.Path)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return nil, inerrors.Invalid("path", "%s is not a directory", args.Path)
	}
	if err := checkDest(args.Dest, args.Overwrite); err != nil {
		return nil, err
	}

	err = filepath.WalkDir(args.Path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(args.Path, p)
		target := filepath.Join(args.Dest, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			if !args.Recursive && p != args.Path {
				return fs.SkipDir
			}
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode().IsRegular():
			return copyRegular(p, target, info.Mode().Perm())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &protocol.Changed{Changed: true}, nil
}

func copyRegular(src, dst string, mode fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// checkDest refuses an existing destination unless overwrite is set.
func checkDest(dest string, overwrite bool) error {
	if overwrite {
		return nil
	}
	if _, err := os.Lstat(dest); err == nil {
		return inerrors.Domain(inerrors.CodeFileExists, "%s already exists", dest)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func chownPath(args *protocol.FileArgs, recursive bool) (*protocol.Changed, error) {
	if args.User == "" && args.Group == "" {
		return nil, inerrors.Invalid("owner", "user or group is required")
	}
	uid, gid := -1, -1
	var err error
	if args.User != "" {
		if uid, err = lookupUser(args.User); err != nil {
			return nil, err
		}
	}
	if args.Group != "" {
		if gid, err = lookupGroup(args.Group); err != nil {
			return nil, err
		}
	}

	changed := false
	apply := func(p string) error {
		st, err := os.Lstat(p)
		if err != nil {
			return err
		}
		if u, g, ok := ownerOf(st); ok &&
			(uid < 0 || uint32(uid) == u) && (gid < 0 || uint32(gid) == g) {
			return nil
		}
		changed = true
		return os.Lchown(p, uid, gid)
	}
	if err := walk(args.Path, recursive, apply); err != nil {
		return nil, err
	}
	return &protocol.Changed{Changed: changed}, nil
}

func chmodPath(args *protocol.FileArgs, recursive bool) (*protocol.Changed, error) {
	mode := fs.FileMode(args.Mode).Perm()
	changed := false
	apply := func(p string) error {
		st, err := os.Stat(p)
		if err != nil {
			return err
		}
		if st.Mode().Perm() == mode {
			return nil
		}
		changed = true
		return os.Chmod(p, mode)
	}
	if err := walk(args.Path, recursive, apply); err != nil {
		return nil, err
	}
	return &protocol.Changed{Changed: changed}, nil
}

func walk(root string, recursive bool, fn func(string) error) error {
	if !recursive {
		return fn(root)
	}
	return filepath.WalkDir(root, func(p string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return fn(p)
	})
}

func readFile(path string) (*protocol.FileContents, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if st.IsDir() {
		return nil, inerrors.Invalid("path", "%s is a directory", path)
	}
	if st.Size() > maxReadSize {
		return nil, inerrors.Invalid("path", "%s is %d bytes; read is limited to %d", path, st.Size(), maxReadSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return &protocol.FileContents{Data: data}, nil
}

func writeFile(args *protocol.FileArgs) (*protocol.Changed, error) {
	mode := fs.FileMode(args.Mode).Perm()
	if mode == 0 {
		mode = 0o644
	}
	changed, err := writeAtomic(args.Path, args.Data, mode, args.Overwrite)
	if err != nil {
		return nil, err
	}
	return &protocol.Changed{Changed: changed}, nil
}

// writeAtomic replaces path with data through a temporary file in the
// same directory.  Identical content and mode is not a change.
func writeAtomic(path string, data []byte, mode fs.FileMode, overwrite bool) (bool, error) {
	if st, err := os.Stat(path); err == nil {
		if st.IsDir() {
			return false, inerrors.Invalid("path", "%s is a directory", path)
		}
		if same, err := sameContent(path, data); err == nil && same && st.Mode().Perm() == mode {
			return false, nil
		}
		if !overwrite {
			return false, inerrors.Domain(inerrors.CodeFileExists, "%s already exists", path)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".inapi-*")
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return false, err
	}
	if err := tmp.Close(); err != nil {
		return false, err
	}
	return true, os.Rename(tmp.Name(), path)
}

func sameContent(path string, data []byte) (bool, error) {
	sum, err := digestFile(path)
	if err != nil {
		return false, err
	}
	want := blake2b.Sum256(data)
	return bytes.Equal(sum, want[:]), nil
}

func createDir(args *protocol.FileArgs) (*protocol.Changed, error) {
	mode := fs.FileMode(args.Mode).Perm()
	if mode == 0 {
		mode = 0o755
	}
	if st, err := os.Stat(args.Path); err == nil {
		if !st.IsDir() {
			return nil, inerrors.Domain(inerrors.CodeFileExists, "%s exists and is not a directory", args.Path)
		}
		return &protocol.Changed{}, nil
	}
	var err error
	if args.Recursive {
		err = os.MkdirAll(args.Path, mode)
	} else {
		err = os.Mkdir(args.Path, mode)
	}
	if err != nil {
		return nil, err
	}
	return &protocol.Changed{Changed: true}, nil
}

// ── owners ───────────────────────────────────────────────────────────

func lookupUser(name string) (int, error) {
	if id, err := strconv.Atoi(name); err == nil {
		return id, nil
	}
	u, err := user.Lookup(name)
	if err != nil {
		return 0, inerrors.Domain(inerrors.CodeNotFound, "unknown user %q", name)
	}
	id, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, fmt.Errorf("user %s has non-numeric uid %q", name, u.Uid)
	}
	return id, nil
}

func lookupGroup(name string) (int, error) {
	if id, err := strconv.Atoi(name); err == nil {
		return id, nil
	}
	g, err := user.LookupGroup(name)
	if err != nil {
		return 0, inerrors.Domain(inerrors.CodeNotFound, "unknown group %q", name)
	}
	id, err := strconv.Atoi(g.Gid)
	if err != nil {
		return 0, fmt.Errorf("group %s has non-numeric gid %q", name, g.Gid)
	}
	return id, nil
}
