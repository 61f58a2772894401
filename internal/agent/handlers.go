package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	inerrors "inapi/internal/errors"
	"inapi/internal/protocol"
)

// body is a typed result body.
type body interface {
	Encode(*protocol.Writer)
}

type handlerFunc func(ctx context.Context, a *Agent, r *request) (body, error)

var handlers = map[protocol.Op]handlerFunc{
	protocol.OpCommandExec:  handleCommandExec,
	protocol.OpDaemonStart:  handleDaemon,
	protocol.OpDaemonStop:   handleDaemon,
	protocol.OpDaemonStatus: handleDaemon,

	protocol.OpFileStat:   handleFile,
	protocol.OpFileRemove: handleFile,
	protocol.OpFileMove:   handleFile,
	protocol.OpFileCopy:   handleFile,
	protocol.OpFileChown:  handleFile,
	protocol.OpFileChmod:  handleFile,
	protocol.OpFileRead:   handleFile,
	protocol.OpFileWrite:  handleFile,
	protocol.OpFileUpload: handleUpload,

	protocol.OpDirCreate: handleFile,
	protocol.OpDirRemove: handleFile,
	protocol.OpDirCopy:   handleFile,
	protocol.OpDirChown:  handleFile,
	protocol.OpDirChmod:  handleFile,
	protocol.OpDirList:   handleFile,

	protocol.OpPackageQuery:     handlePackage,
	protocol.OpPackageInstall:   handlePackage,
	protocol.OpPackageUninstall: handlePackage,
	protocol.OpPackageProvider:  handlePackage,

	protocol.OpServiceStatus:  handleService,
	protocol.OpServiceStart:   handleService,
	protocol.OpServiceStop:    handleService,
	protocol.OpServiceRestart: handleService,
	protocol.OpServiceEnable:  handleService,
	protocol.OpServiceDisable: handleService,

	protocol.OpTemplateRender: handleTemplate,

	protocol.OpPayloadUpload: handleUpload,
	protocol.OpPayloadExec:   handlePayloadExec,

	protocol.OpTelemetry: handleTelemetry,
}

// dispatch runs one request and sends its terminal frame.
func (c *conn) dispatch(ctx context.Context, req *protocol.Request) {
	a := c.agent
	r := &request{Request: req, c: c}
	start := time.Now()
	a.metrics.RequestStarted()

	var (
		res body
		err error
	)
	if h, ok := handlers[req.Op]; ok {
		res, err = h(ctx, a, r)
	} else {
		err = inerrors.Domain(inerrors.CodeUnsupported, "unknown operation %s", req.Op)
	}

	var frame protocol.Message
	if err == nil {
		var b []byte
		if b, err = protocol.Marshal(res); err == nil {
			frame = &protocol.Result{ID: req.ID, Body: b}
		}
	}
	if err != nil {
		frame = protocol.ErrorFrom(req.ID, err)
		a.logger.Verbose("session %s: %s #%d failed: %v", c.id, req.Op, req.ID, err)
	} else {
		a.logger.Debug("session %s: %s #%d ok in %v", c.id, req.Op, req.ID, time.Since(start))
	}
	a.metrics.RequestFinished(err != nil)

	if serr := c.send(frame); serr != nil && ctx.Err() == nil {
		a.logger.Warn("session %s: reply to #%d: %v", c.id, req.ID, serr)
	}
}

// ── command ──────────────────────────────────────────────────────────

func handleCommandExec(ctx context.Context, a *Agent, r *request) (body, error) {
	var args protocol.CommandArgs
	if err := protocol.Unmarshal(r.Args, &args); err != nil {
		return nil, err
	}
	if args.Path == "" {
		return nil, inerrors.Invalid("path", "executable path is required")
	}
	return a.runCommand(ctx, r, &args)
}

func (a *Agent) runCommand(ctx context.Context, r *request, args *protocol.CommandArgs) (body, error) {
	if a.backends.Commands == nil {
		return nil, unsupported("command execution")
	}
	start := time.Now()
	code, err := a.backends.Commands.Run(ctx, args,
		r.writer(protocol.StreamStdout), r.writer(protocol.StreamStderr))
	if err != nil {
		return nil, err
	}
	return &protocol.CommandResult{
		ExitCode:   int32(code),
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

func handleDaemon(ctx context.Context, a *Agent, r *request) (body, error) {
	var args protocol.DaemonArgs
	if err := protocol.Unmarshal(r.Args, &args); err != nil {
		return nil, err
	}
	if args.Name == "" {
		return nil, inerrors.Invalid("name", "daemon name is required")
	}
	switch r.Op {
	case protocol.OpDaemonStart:
		if args.Command.Path == "" {
			return nil, inerrors.Invalid("path", "executable path is required")
		}
		return a.daemons.start(args.Name, &args.Command)
	case protocol.OpDaemonStop:
		return a.daemons.stop(ctx, args.Name)
	default:
		st := a.daemons.status(args.Name)
		return &st, nil
	}
}

// ── file and directory ───────────────────────────────────────────────

func handleFile(_ context.Context, _ *Agent, r *request) (body, error) {
	var args protocol.FileArgs
	if err := protocol.Unmarshal(r.Args, &args); err != nil {
		return nil, err
	}
	if args.Path == "" {
		return nil, inerrors.Invalid("path", "path is required")
	}
	if !filepath.IsAbs(args.Path) {
		return nil, inerrors.Invalid("path", "%q is not absolute", args.Path)
	}

	switch r.Op {
	case protocol.OpFileStat:
		fi, err := statPath(args.Path, true)
		return fi, err
	case protocol.OpFileRemove:
		return removePath(args.Path, false, false)
	case protocol.OpDirRemove:
		return removePath(args.Path, true, args.Recursive)
	case protocol.OpFileMove:
		return movePath(&args)
	case protocol.OpFileCopy:
		return copyFile(&args)
	case protocol.OpDirCopy:
		return copyDir(&args)
	case protocol.OpFileChown, protocol.OpDirChown:
		return chownPath(&args, r.Op == protocol.OpDirChown && args.Recursive)
	case protocol.OpFileChmod, protocol.OpDirChmod:
		return chmodPath(&args, r.Op == protocol.OpDirChmod && args.Recursive)
	case protocol.OpFileRead:
		return readFile(args.Path)
	case protocol.OpFileWrite:
		return writeFile(&args)
	case protocol.OpDirCreate:
		return createDir(&args)
	case protocol.OpDirList:
		return listDir(args.Path)
	}
	return nil, inerrors.Domain(inerrors.CodeUnsupported, "unknown operation %s", r.Op)
}

// ── package ──────────────────────────────────────────────────────────

func handlePackage(ctx context.Context, a *Agent, r *request) (body, error) {
	pm := a.backends.Packages
	if pm == nil {
		return nil, unsupported("package management")
	}
	var args protocol.PackageArgs
	if err := protocol.Unmarshal(r.Args, &args); err != nil {
		return nil, err
	}

	provider := args.Provider
	if provider == "" {
		p, err := pm.DefaultProvider(ctx)
		if err != nil {
			return nil, err
		}
		provider = p
	}
	if r.Op == protocol.OpPackageProvider {
		return &protocol.PackageInfo{Provider: provider}, nil
	}
	if args.Name == "" {
		return nil, inerrors.Invalid("name", "package name is required")
	}

	info := &protocol.PackageInfo{Name: args.Name, Provider: provider}
	version, installed, err := pm.Query(ctx, provider, args.Name)
	if err != nil {
		return nil, err
	}

	switch r.Op {
	case protocol.OpPackageInstall:
		if installed && (args.Version == "" || args.Version == version) {
			break
		}
		if err := pm.Install(ctx, provider, args.Name, args.Version); err != nil {
			return nil, err
		}
		info.Changed = true
		if version, installed, err = pm.Query(ctx, provider, args.Name); err != nil {
			return nil, err
		}
	case protocol.OpPackageUninstall:
		if !installed {
			break
		}
		if err := pm.Uninstall(ctx, provider, args.Name); err != nil {
			return nil, err
		}
		info.Changed = true
		if version, installed, err = pm.Query(ctx, provider, args.Name); err != nil {
			return nil, err
		}
	}
	info.Version = version
	info.Installed = installed
	return info, nil
}

// ── service ──────────────────────────────────────────────────────────

func handleService(ctx context.Context, a *Agent, r *request) (body, error) {
	sm := a.backends.Services
	if sm == nil {
		return nil, unsupported("service management")
	}
	var args protocol.ServiceArgs
	if err := protocol.Unmarshal(r.Args, &args); err != nil {
		return nil, err
	}
	if args.Name == "" {
		return nil, inerrors.Invalid("name", "service name is required")
	}

	state, enabled, err := sm.Status(ctx, args.Name)
	if err != nil {
		return nil, err
	}
	res := &protocol.ServiceResult{Name: args.Name}

	switch r.Op {
	case protocol.OpServiceStart:
		if state != protocol.RunRunning {
			if err := sm.Start(ctx, args.Name); err != nil {
				return nil, startFailed(args.Name, err)
			}
			res.Changed = true
		}
	case protocol.OpServiceStop:
		if state == protocol.RunRunning {
			if err := sm.Stop(ctx, args.Name); err != nil {
				return nil, stopFailed(args.Name, err)
			}
			res.Changed = true
		}
	case protocol.OpServiceRestart:
		// Stop then start; a failed start is not reverted, and the error
		// carries the state the service was left in.
		if state == protocol.RunRunning {
			if err := sm.Stop(ctx, args.Name); err != nil {
				return nil, stopFailed(args.Name, err)
			}
		}
		if err := sm.Start(ctx, args.Name); err != nil {
			de := startFailed(args.Name, err)
			de.State = uint8(protocol.RunStopped)
			if after, _, serr := sm.Status(ctx, args.Name); serr == nil {
				de.State = uint8(after)
			}
			return nil, de
		}
		res.Changed = true
	case protocol.OpServiceEnable:
		if !enabled {
			if err := sm.Enable(ctx, args.Name); err != nil {
				return nil, err
			}
			res.Changed = true
		}
	case protocol.OpServiceDisable:
		if enabled {
			if err := sm.Disable(ctx, args.Name); err != nil {
				return nil, err
			}
			res.Changed = true
		}
	}

	if res.Changed {
		if state, enabled, err = sm.Status(ctx, args.Name); err != nil {
			return nil, err
		}
	}
	res.State = state
	res.Enabled = enabled
	return res, nil
}

func startFailed(name string, err error) *inerrors.DomainError {
	de := inerrors.Domain(inerrors.CodeServiceStartFailed, "start %s failed", name)
	de.Detail = reason(err)
	return de
}

func stopFailed(name string, err error) error {
	de := inerrors.Domain(inerrors.CodeServiceStopFailed, "stop %s failed", name)
	de.Detail = reason(err)
	return de
}

// reason extracts the backend's message from err.
func reason(err error) string {
	var de *inerrors.DomainError
	if inerrors.As(err, &de) && de.Message != "" {
		return de.Message
	}
	return err.Error()
}

// ── template ─────────────────────────────────────────────────────────

func handleTemplate(_ context.Context, a *Agent, r *request) (body, error) {
	if a.backends.Renderer == nil {
		return nil, unsupported("template rendering")
	}
	var args protocol.TemplateArgs
	if err := protocol.Unmarshal(r.Args, &args); err != nil {
		return nil, err
	}

	vars := map[string]interface{}{}
	if len(args.Vars) > 0 {
		var s structpb.Struct
		if err := proto.Unmarshal(args.Vars, &s); err != nil {
			return nil, inerrors.Invalid("vars", "decode bindings: %v", err)
		}
		vars = s.AsMap()
	}

	text, err := a.backends.Renderer.Render(args.Source, vars)
	if err != nil {
		var de *inerrors.DomainError
		if inerrors.As(err, &de) {
			return nil, err
		}
		return nil, inerrors.Domain(inerrors.CodeRenderFailed, "%v", err)
	}

	res := &protocol.TemplateResult{Text: text}
	if args.Dest != "" {
		if !filepath.IsAbs(args.Dest) {
			return nil, inerrors.Invalid("dest", "%q is not absolute", args.Dest)
		}
		mode := os.FileMode(args.Mode)
		if mode == 0 {
			mode = 0o644
		}
		changed, err := writeAtomic(args.Dest, text, mode, true)
		if err != nil {
			return nil, fmt.Errorf("write %s: %w", args.Dest, err)
		}
		res.Written = changed
	}
	return res, nil
}
