// Package template renders templates on a host with the agent's
// renderer, optionally writing the output to a remote file.
package template

import (
	"context"
	"io/fs"
	"os"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	inerrors "inapi/internal/errors"
	"inapi/internal/protocol"
	"inapi/internal/session"
	"inapi/file"
)

// Options control Render.
type Options struct {
	// Dest, when set, is the remote path the output is written to.
	Dest string
	Mode fs.FileMode // of Dest, default 0644
}

// Result is the rendered text.  Written reports that Dest changed.
type Result struct {
	Text    []byte
	Written bool
}

// EncodeVars serializes bindings as a google.protobuf.Struct.  Values
// must be JSON-like: nil, bool, numbers, strings, []interface{} and
// map[string]interface{}.
func EncodeVars(vars map[string]interface{}) ([]byte, error) {
	if len(vars) == 0 {
		return nil, nil
	}
	s, err := structpb.NewStruct(vars)
	if err != nil {
		return nil, inerrors.Invalid("vars", "%v", err)
	}
	return proto.Marshal(s)
}

// Render renders source against vars.  Template errors, including an
// unbound variable, fail with ErrRenderFailed.
func Render(ctx context.Context, ex session.Executor, source []byte, vars map[string]interface{}, opts Options) (*Result, error) {
	if len(source) == 0 {
		return nil, inerrors.Invalid("source", "template source is empty")
	}
	if opts.Dest != "" {
		if err := file.CheckPath("dest", opts.Dest); err != nil {
			return nil, err
		}
	}
	b, err := EncodeVars(vars)
	if err != nil {
		return nil, err
	}
	args := &protocol.TemplateArgs{
		Source: source,
		Vars:   b,
		Dest:   opts.Dest,
		Mode:   uint32(opts.Mode.Perm()),
	}
	var res protocol.TemplateResult
	if err := session.Call(ctx, ex, protocol.OpTemplateRender, args, &res, nil); err != nil {
		return nil, err
	}
	return &Result{Text: res.Text, Written: res.Written}, nil
}

// RenderFile reads the template source from a local file.
func RenderFile(ctx context.Context, ex session.Executor, path string, vars map[string]interface{}, opts Options) (*Result, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Render(ctx, ex, source, vars, opts)
}
