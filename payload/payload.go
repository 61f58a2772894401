// Package payload pushes a directory of scripts and files to a host and
// runs its entrypoint.  Execution is only requested after the agent has
// verified every chunk and file digest of the upload.
package payload

import (
	"context"
	"io"
	"io/fs"

	"github.com/google/uuid"

	"inapi/command"
	inerrors "inapi/internal/errors"
	"inapi/internal/bulk"
	"inapi/internal/protocol"
	"inapi/internal/session"
)

// Payload is a local directory and the file inside it to execute.
type Payload struct {
	// ID names the payload on the agent.  Re-sending the same ID with
	// the same contents resumes an interrupted upload.  Empty picks a
	// random id.
	ID         string
	Dir        string
	Entrypoint string // slash-separated path relative to Dir
	Args       []string
	Env        []string
}

// Options control Send.
type Options struct {
	ChunkSize int
	Compress  bool
	Progress  func(file string, received, total uint64)
	Stdout    io.Writer
	Stderr    io.Writer
}

// Result holds the upload summary and the entrypoint's outcome.
type Result struct {
	ID     string
	Upload *bulk.Result
	Exec   *command.Result
}

// Send uploads p and runs its entrypoint.
func Send(ctx context.Context, ex session.Executor, p *Payload, opts Options) (*Result, error) {
	up, err := Upload(ctx, ex, p, opts)
	if err != nil {
		return nil, err
	}
	res, err := Exec(ctx, ex, p, opts.Stdout, opts.Stderr)
	if err != nil {
		return nil, err
	}
	return &Result{ID: p.ID, Upload: up, Exec: res}, nil
}

// Upload sends the files of p.  p.ID is filled in when empty.
func Upload(ctx context.Context, ex session.Executor, p *Payload, opts Options) (*bulk.Result, error) {
	if p.Dir == "" {
		return nil, inerrors.Invalid("dir", "payload directory is required")
	}
	if err := checkEntrypoint(p.Entrypoint); err != nil {
		return nil, err
	}
	files, err := bulk.ScanDir(p.Dir)
	if err != nil {
		return nil, err
	}
	found := false
	for _, f := range files {
		if f.Rel == p.Entrypoint {
			found = true
			break
		}
	}
	if !found {
		return nil, inerrors.Invalid("entrypoint", "%s is not in %s", p.Entrypoint, p.Dir)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	bopts := bulk.Options{ChunkSize: opts.ChunkSize, Compress: opts.Compress}
	if opts.Progress != nil {
		bopts.Progress = func(i int, received, total uint64) {
			if i >= 0 && i < len(files) {
				opts.Progress(files[i].Rel, received, total)
			}
		}
	}
	m := bulk.Manifest(p.ID, "", "", files)
	return bulk.Upload(ctx, ex, protocol.OpPayloadUpload, m, files, bopts)
}

// Exec runs the entrypoint of an uploaded payload and waits for it.
func Exec(ctx context.Context, ex session.Executor, p *Payload, stdout, stderr io.Writer) (*command.Result, error) {
	h, err := Start(ctx, ex, p, stdout, stderr)
	if err != nil {
		return nil, err
	}
	return h.Wait(ctx)
}

// Start requests execution of the entrypoint of an uploaded payload and
// returns its output as a pull-based Handle.  The agent refuses a
// payload that was never committed.
func Start(ctx context.Context, ex session.Executor, p *Payload, stdout, stderr io.Writer) (*command.Handle, error) {
	if p.ID == "" {
		return nil, inerrors.Invalid("id", "payload id is required")
	}
	if err := checkEntrypoint(p.Entrypoint); err != nil {
		return nil, err
	}
	b, err := protocol.Marshal(&protocol.PayloadExecArgs{
		PayloadID:  p.ID,
		Entrypoint: p.Entrypoint,
		Args:       p.Args,
		Env:        p.Env,
	})
	if err != nil {
		return nil, err
	}
	st, err := ex.Execute(ctx, protocol.OpPayloadExec, b)
	if err != nil {
		return nil, err
	}
	return command.NewHandle(st, stdout, stderr), nil
}

func checkEntrypoint(e string) error {
	if e == "" {
		return inerrors.Invalid("entrypoint", "entrypoint is required")
	}
	if !fs.ValidPath(e) || e == "." {
		return inerrors.Invalid("entrypoint", "%q must be a clean path inside the payload", e)
	}
	return nil
}
