package cmd

import (
	"context"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"inapi/directory"
	"inapi/file"
	inerrors "inapi/internal/errors"
)

// parseMode reads an octal permission string such as "0644".
func parseMode(s string) (fs.FileMode, error) {
	n, err := strconv.ParseUint(s, 8, 32)
	if err != nil || n > 0o7777 {
		return 0, inerrors.Invalid("mode", "%q is not an octal mode", s)
	}
	return fs.FileMode(n), nil
}

// parseOwner splits "user:group"; either side may be empty.
func parseOwner(s string) (user, group string) {
	user, group, _ = strings.Cut(s, ":")
	return user, group
}

func describe(fi *file.Info) string {
	if !fi.Exists {
		return fi.Path + " does not exist"
	}
	s := fmt.Sprintf("%s %s %s:%s %d bytes, modified %s",
		fi.Path, fi.Mode, fi.User, fi.Group, fi.Size, fi.ModTime.Format("2006-01-02 15:04:05"))
	if fi.Digest != "" {
		s += ", blake2b " + fi.Digest
	}
	return s
}

// changed returns an action that records whether fn changed the host.
func changed(fn func(ctx context.Context, t *target) (bool, error)) hostFunc {
	return func(ctx context.Context, t *target) error {
		c, err := fn(ctx, t)
		t.out.Changed = c
		return err
	}
}

// uploadFlags tune bulk transfers.
type uploadFlags struct {
	chunkSize int
	compress  bool
}

func (u *uploadFlags) register(c *cobra.Command) {
	c.Flags().IntVar(&u.chunkSize, "chunk-size", 0, "Bulk chunk size in bytes")
	c.Flags().BoolVarP(&u.compress, "compress", "z", false, "Compress chunks with zstd")
}

// resolve merges the flags with the configuration.
func (u *uploadFlags) resolve(cmd *cobra.Command, t *target) (chunkSize int, compress bool) {
	chunkSize = t.cfg.ChunkSize
	if cmd.Flags().Changed("chunk-size") {
		chunkSize = u.chunkSize
	}
	return chunkSize, u.compress || t.cfg.Compress
}

// ── file ─────────────────────────────────────────────────────────────

func (a *app) fileCmd() *cobra.Command {
	c := &cobra.Command{Use: "file", Short: "Inspect and change files on the targets"}

	stat := &cobra.Command{
		Use:   "stat <path>",
		Short: "Describe a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.fanOut(cmd, func(ctx context.Context, t *target) error {
				fi, err := file.Stat(ctx, t.Host, args[0])
				if err != nil {
					return err
				}
				t.out.Summary, t.out.Data = describe(fi), fi
				return nil
			})
		},
	}

	read := &cobra.Command{
		Use:   "read <path>",
		Short: "Print a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.fanOut(cmd, func(ctx context.Context, t *target) error {
				data, err := file.Read(ctx, t.Host, args[0])
				if err != nil {
					return err
				}
				if t.stdout != nil {
					_, _ = t.stdout.Write(data)
				}
				t.out.Data = string(data)
				return nil
			})
		},
	}

	var (
		writeMode string
		overwrite bool
	)
	write := &cobra.Command{
		Use:   "write <path> <local-file|->",
		Short: "Replace a file with local content",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseMode(writeMode)
			if err != nil {
				return err
			}
			data, err := a.readInput(args[1])
			if err != nil {
				return err
			}
			return a.fanOut(cmd, changed(func(ctx context.Context, t *target) (bool, error) {
				return file.Write(ctx, t.Host, args[0], data, file.WriteOptions{Mode: mode, Overwrite: overwrite})
			}))
		},
	}
	write.Flags().StringVarP(&writeMode, "mode", "m", "0644", "Octal file mode")
	write.Flags().BoolVarP(&overwrite, "force", "f", true, "Replace an existing file")

	remove := &cobra.Command{
		Use:   "remove <path>",
		Short: "Delete a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.fanOut(cmd, changed(func(ctx context.Context, t *target) (bool, error) {
				return file.Remove(ctx, t.Host, args[0])
			}))
		},
	}

	var force bool
	move := &cobra.Command{
		Use:   "move <src> <dst>",
		Short: "Rename a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.fanOut(cmd, func(ctx context.Context, t *target) error {
				t.out.Changed = true
				return file.Move(ctx, t.Host, args[0], args[1], force)
			})
		},
	}
	move.Flags().BoolVarP(&force, "force", "f", false, "Replace an existing destination")

	cp := &cobra.Command{
		Use:   "copy <src> <dst>",
		Short: "Copy a file on the target",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.fanOut(cmd, func(ctx context.Context, t *target) error {
				t.out.Changed = true
				return file.Copy(ctx, t.Host, args[0], args[1], force)
			})
		},
	}
	cp.Flags().BoolVarP(&force, "force", "f", false, "Replace an existing destination")

	chmod := &cobra.Command{
		Use:   "chmod <mode> <path>",
		Short: "Set permission bits",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := parseMode(args[0])
			if err != nil {
				return err
			}
			return a.fanOut(cmd, changed(func(ctx context.Context, t *target) (bool, error) {
				return file.Chmod(ctx, t.Host, args[1], mode)
			}))
		},
	}

	chown := &cobra.Command{
		Use:   "chown <user[:group]> <path>",
		Short: "Set owner and group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, group := parseOwner(args[0])
			return a.fanOut(cmd, changed(func(ctx context.Context, t *target) (bool, error) {
				return file.Chown(ctx, t.Host, args[1], user, group)
			}))
		},
	}

	var (
		up     uploadFlags
		backup string
	)
	upload := &cobra.Command{
		Use:   "upload <local> <remote>",
		Short: "Copy a local file to the targets over the bulk channel",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.fanOut(cmd, func(ctx context.Context, t *target) error {
				start := time.Now()
				chunkSize, compress := up.resolve(cmd, t)
				res, err := file.Upload(ctx, t.Host, args[0], args[1], file.UploadOptions{
					Backup:    backup,
					ChunkSize: chunkSize,
					Compress:  compress,
					Progress: func(received, total uint64) {
						t.log.Verbose("%s: %d/%d bytes", args[1], received, total)
					},
				})
				if err != nil {
					return err
				}
				t.out.Changed = true
				t.out.Summary = fmt.Sprintf("%d bytes, %d resumed, in %s", res.Bytes, res.Resumed, elapsed(time.Since(start)))
				t.out.Data = res
				return nil
			})
		},
	}
	up.register(upload)
	upload.Flags().StringVar(&backup, "backup", "", "Keep an existing remote file under this suffix")

	c.AddCommand(stat, read, write, remove, move, cp, chmod, chown, upload)
	return c
}

// ── dir ──────────────────────────────────────────────────────────────

func (a *app) dirCmd() *cobra.Command {
	c := &cobra.Command{Use: "dir", Short: "Inspect and change directories on the targets"}

	var (
		mode      string
		parents   bool
		recursive bool
		force     bool
	)

	create := &cobra.Command{
		Use:   "create <path>",
		Short: "Create a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parseMode(mode)
			if err != nil {
				return err
			}
			return a.fanOut(cmd, changed(func(ctx context.Context, t *target) (bool, error) {
				return directory.Create(ctx, t.Host, args[0], directory.CreateOptions{Mode: m, Parents: parents})
			}))
		},
	}
	create.Flags().StringVarP(&mode, "mode", "m", "0755", "Octal directory mode")
	create.Flags().BoolVar(&parents, "parents", false, "Create missing parents")

	remove := &cobra.Command{
		Use:   "remove <path>",
		Short: "Delete a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.fanOut(cmd, changed(func(ctx context.Context, t *target) (bool, error) {
				return directory.Remove(ctx, t.Host, args[0], recursive)
			}))
		},
	}
	remove.Flags().BoolVarP(&recursive, "recursive", "r", false, "Remove contents too")

	cp := &cobra.Command{
		Use:   "copy <src> <dst>",
		Short: "Copy a directory on the target",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.fanOut(cmd, func(ctx context.Context, t *target) error {
				t.out.Changed = true
				return directory.Copy(ctx, t.Host, args[0], args[1], recursive, force)
			})
		},
	}
	cp.Flags().BoolVarP(&recursive, "recursive", "r", false, "Copy subdirectories")
	cp.Flags().BoolVarP(&force, "force", "f", false, "Replace existing files")

	chmod := &cobra.Command{
		Use:   "chmod <mode> <path>",
		Short: "Set permission bits",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := parseMode(args[0])
			if err != nil {
				return err
			}
			return a.fanOut(cmd, changed(func(ctx context.Context, t *target) (bool, error) {
				return directory.Chmod(ctx, t.Host, args[1], m, recursive)
			}))
		},
	}
	chmod.Flags().BoolVarP(&recursive, "recursive", "r", false, "Apply to contents too")

	chown := &cobra.Command{
		Use:   "chown <user[:group]> <path>",
		Short: "Set owner and group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, group := parseOwner(args[0])
			return a.fanOut(cmd, changed(func(ctx context.Context, t *target) (bool, error) {
				return directory.Chown(ctx, t.Host, args[1], user, group, recursive)
			}))
		},
	}
	chown.Flags().BoolVarP(&recursive, "recursive", "r", false, "Apply to contents too")

	list := &cobra.Command{
		Use:   "list <path>",
		Short: "List a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.fanOut(cmd, func(ctx context.Context, t *target) error {
				entries, err := directory.List(ctx, t.Host, args[0])
				if err != nil {
					return err
				}
				var b strings.Builder
				for _, e := range entries {
					fmt.Fprintf(&b, "  %s %8d %s\n", e.Mode, e.Size, e.Path)
				}
				t.out.Summary, t.out.Data = b.String(), entries
				return nil
			})
		},
	}

	stat := &cobra.Command{
		Use:   "stat <path>",
		Short: "Describe a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.fanOut(cmd, func(ctx context.Context, t *target) error {
				fi, err := directory.Stat(ctx, t.Host, args[0])
				if err != nil {
					return err
				}
				t.out.Summary, t.out.Data = describe(fi), fi
				return nil
			})
		},
	}

	c.AddCommand(create, remove, cp, chmod, chown, list, stat)
	return c
}
