package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	inerrors "inapi/internal/errors"
	"inapi/packages"
	"inapi/payload"
	"inapi/service"
	"inapi/telemetry"
	"inapi/template"
)

// ── pkg ──────────────────────────────────────────────────────────────

// parsePackage reads name or name=version.
func parsePackage(s, provider string) packages.Package {
	name, version, _ := strings.Cut(s, "=")
	return packages.Package{Name: name, Version: version, Provider: provider}
}

func (a *app) pkgCmd() *cobra.Command {
	var provider string
	c := &cobra.Command{
		Use:   "pkg",
		Short: "Install, remove and query packages",
	}
	c.PersistentFlags().StringVar(&provider, "provider", "", "Package manager (apt, dnf, yum, apk, pacman); default detected")

	for _, name := range []string{"install", "uninstall", "query"} {
		action, err := packages.ParseAction(name)
		if err != nil {
			panic(err)
		}
		c.AddCommand(&cobra.Command{
			Use:   name + " <package[=version]>...",
			Short: strings.ToUpper(name[:1]) + name[1:] + " packages",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.fanOut(cmd, func(ctx context.Context, t *target) error {
					var lines []string
					var results []*packages.Result
					for _, arg := range args {
						res, err := packages.Do(ctx, t.Host, action, parsePackage(arg, provider))
						if err != nil {
							return fmt.Errorf("%s: %w", arg, err)
						}
						t.out.Changed = t.out.Changed || res.Changed
						results = append(results, res)
						lines = append(lines, packageLine(res))
					}
					t.out.Summary, t.out.Data = strings.Join(lines, "; "), results
					return nil
				})
			},
		})
	}

	c.AddCommand(&cobra.Command{
		Use:   "provider",
		Short: "Show the detected package manager",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.fanOut(cmd, func(ctx context.Context, t *target) error {
				p, err := packages.DefaultProvider(ctx, t.Host)
				t.out.Summary, t.out.Data = p, p
				return err
			})
		},
	})
	return c
}

func packageLine(r *packages.Result) string {
	if !r.Installed {
		return r.Name + " not installed"
	}
	return fmt.Sprintf("%s %s (%s)", r.Name, r.Version, r.Provider)
}

// ── service ──────────────────────────────────────────────────────────

type serviceView struct {
	Name    string `json:"name"`
	State   string `json:"state"`
	Enabled bool   `json:"enabled"`
}

func (a *app) serviceCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "service",
		Short: "Control system services",
	}
	for _, name := range []string{"status", "start", "stop", "restart", "enable", "disable"} {
		action, err := service.ParseAction(name)
		if err != nil {
			panic(err)
		}
		c.AddCommand(&cobra.Command{
			Use:   name + " <service>...",
			Short: strings.ToUpper(name[:1]) + name[1:] + " services",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.fanOut(cmd, func(ctx context.Context, t *target) error {
					var lines []string
					var views []serviceView
					for _, svc := range args {
						res, err := service.Do(ctx, t.Host, svc, action)
						if err != nil {
							return err
						}
						t.out.Changed = t.out.Changed || res.Changed
						enabled := "disabled"
						if res.Enabled {
							enabled = "enabled"
						}
						lines = append(lines, fmt.Sprintf("%s %s, %s", svc, res.State, enabled))
						views = append(views, serviceView{Name: svc, State: res.State.String(), Enabled: res.Enabled})
					}
					t.out.Summary, t.out.Data = strings.Join(lines, "; "), views
					return nil
				})
			},
		})
	}
	return c
}

// ── template ─────────────────────────────────────────────────────────

// loadVars merges a YAML vars file with key=value pairs; pairs win.
func loadVars(file string, pairs []string) (map[string]interface{}, error) {
	vars := make(map[string]interface{})
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &vars); err != nil {
			return nil, inerrors.Invalid("vars-file", "%s: %v", file, err)
		}
	}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, inerrors.Invalid("var", "%q is not key=value", p)
		}
		vars[k] = v
	}
	return vars, nil
}

func (a *app) templateCmd() *cobra.Command {
	var (
		pairs    []string
		varsFile string
		dest     string
		mode     string
	)
	c := &cobra.Command{
		Use:   "template <local-template>",
		Short: "Render a text/template on the targets, optionally writing the result",
		Example: `  inapi template -H web nginx.conf.tmpl --vars-file site.yaml --dest /etc/nginx/nginx.conf
  inapi template -H db1 motd.tmpl --var owner=ops`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := loadVars(varsFile, pairs)
			if err != nil {
				return err
			}
			m, err := parseMode(mode)
			if err != nil {
				return err
			}
			return a.fanOut(cmd, func(ctx context.Context, t *target) error {
				res, err := template.RenderFile(ctx, t.Host, args[0], vars, template.Options{Dest: dest, Mode: m})
				if err != nil {
					return err
				}
				t.out.Changed = res.Written
				if dest == "" {
					t.out.Summary = string(res.Text)
				} else {
					t.out.Summary = fmt.Sprintf("rendered %d bytes to %s", len(res.Text), dest)
				}
				t.out.Data = string(res.Text)
				return nil
			})
		},
	}
	f := c.Flags()
	f.StringArrayVar(&pairs, "var", nil, "Variable key=value (repeatable)")
	f.StringVar(&varsFile, "vars-file", "", "YAML file of variables")
	f.StringVar(&dest, "dest", "", "Remote path to write the rendered text to")
	f.StringVarP(&mode, "mode", "m", "0644", "Octal mode of --dest")
	return c
}

// ── payload ──────────────────────────────────────────────────────────

type payloadView struct {
	ID       string `json:"id"`
	Files    int    `json:"files,omitempty"`
	Bytes    uint64 `json:"bytes,omitempty"`
	Resumed  uint64 `json:"resumed,omitempty"`
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

func (a *app) payloadCmd() *cobra.Command {
	var (
		id  string
		env []string
		up  uploadFlags
	)
	c := &cobra.Command{
		Use:   "payload",
		Short: "Ship a directory to the targets and run a file from it",
	}
	c.PersistentFlags().StringVar(&id, "id", "", "Payload id; re-using an id resumes an interrupted upload")

	send := &cobra.Command{
		Use:   "send <dir> <entrypoint> [-- args...]",
		Short: "Upload a payload and execute its entrypoint",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			pid := id
			if pid == "" {
				pid = uuid.NewString()
			}
			return a.fanOut(cmd, func(ctx context.Context, t *target) error {
				p := &payload.Payload{ID: pid, Dir: dir, Entrypoint: args[1], Args: args[2:], Env: env}
				chunkSize, compress := up.resolve(cmd, t)
				start := time.Now()
				res, err := payload.Send(ctx, t.Host, p, payload.Options{
					ChunkSize: chunkSize,
					Compress:  compress,
					Progress: func(file string, received, total uint64) {
						t.log.Verbose("%s: %d/%d bytes", file, received, total)
					},
					Stdout: t.stdout,
					Stderr: t.stderr,
				})
				if err != nil {
					return err
				}
				t.out.Changed = true
				t.out.Summary = fmt.Sprintf("payload %s: %d files, %d bytes (%d resumed), exit %d in %s",
					res.ID, res.Upload.Files, res.Upload.Bytes, res.Upload.Resumed, res.Exec.ExitCode, elapsed(time.Since(start)))
				v := payloadView{
					ID: res.ID, Files: res.Upload.Files, Bytes: res.Upload.Bytes, Resumed: res.Upload.Resumed,
					ExitCode: res.Exec.ExitCode,
				}
				if t.cfg.JSON {
					v.Stdout, v.Stderr = string(res.Exec.Stdout), string(res.Exec.Stderr)
				}
				t.out.Data = v
				if !res.Exec.Success() {
					return &exitError{code: res.Exec.ExitCode}
				}
				return nil
			})
		},
	}
	up.register(send)
	send.Flags().StringArrayVarP(&env, "env", "e", nil, "Environment KEY=value (repeatable)")

	exec := &cobra.Command{
		Use:   "exec <entrypoint> [-- args...]",
		Short: "Run a file of a payload uploaded earlier",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return &inerrors.ConfigError{Field: "id", Message: "required for exec", Hint: "use the id printed by payload send"}
			}
			return a.fanOut(cmd, func(ctx context.Context, t *target) error {
				p := &payload.Payload{ID: id, Entrypoint: args[0], Args: args[1:], Env: env}
				res, err := payload.Exec(ctx, t.Host, p, t.stdout, t.stderr)
				if err != nil {
					return err
				}
				t.out.Summary = fmt.Sprintf("payload %s: exit %d in %s", id, res.ExitCode, res.Duration)
				t.out.Data = payloadView{ID: id, ExitCode: res.ExitCode}
				if !res.Success() {
					return &exitError{code: res.ExitCode}
				}
				return nil
			})
		},
	}
	exec.Flags().StringArrayVarP(&env, "env", "e", nil, "Environment KEY=value (repeatable)")

	c.AddCommand(send, exec)
	return c
}

// ── telemetry ────────────────────────────────────────────────────────

func (a *app) telemetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "telemetry",
		Short: "Report host facts gathered by the agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.fanOut(cmd, func(ctx context.Context, t *target) error {
				tm, err := telemetry.Get(ctx, t.Host)
				if err != nil {
					return err
				}
				t.out.Summary = fmt.Sprintf("%s %s/%s kernel %s, %d cpus, %d MiB, up %s, %d mounts, %d interfaces, agent %s",
					tm.Hostname, tm.OS, tm.Arch, tm.Kernel, tm.CPUs, tm.Memory>>20, tm.Uptime.Round(time.Second),
					len(tm.Mounts), len(tm.Interfaces), tm.Agent)
				if tm.CPU.Brand != "" {
					t.log.Verbose("cpu: %s (%s, %d cores)", tm.CPU.Brand, tm.CPU.Vendor, tm.CPU.Cores)
				}
				for _, m := range tm.Mounts {
					t.log.Verbose("%s on %s (%s): %d/%d MiB used", m.Filesystem, m.Mountpoint, m.Type, m.Used>>20, m.Size>>20)
				}
				t.out.Data = tm
				return nil
			})
		},
	}
}
