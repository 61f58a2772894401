package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"inapi/config"
	"inapi/host"
	"inapi/internal/metrics"
	"inapi/util"
)

// outcome is what one host produced for one command.
type outcome struct {
	Host    string      `json:"host"`
	OK      bool        `json:"ok"`
	Changed bool        `json:"changed"`
	Summary string      `json:"summary,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Elapsed string      `json:"elapsed"`

	err error
}

// target is the per-host context handed to a hostFunc.
type target struct {
	*host.Host
	cfg *config.Config
	log *util.Logger
	out *outcome

	// stdout and stderr receive streamed output; nil in JSON mode.
	stdout io.Writer
	stderr io.Writer
}

type hostFunc func(ctx context.Context, t *target) error

// fanOut resolves the targets of cmd and runs fn on each of them, at
// most cfg.Parallel at a time.  A host that fails does not stop the
// others.
func (a *app) fanOut(cmd *cobra.Command, fn hostFunc) error {
	fs := cmd.Flags()
	cfg, err := a.flags.load(fs)
	if err != nil {
		return err
	}
	hosts, err := cfg.Resolve(a.flags.targets())
	if err != nil {
		return err
	}
	for i := range hosts {
		if err := a.flags.override(fs, &hosts[i]); err != nil {
			return fmt.Errorf("%s: %w", hosts[i].Name, err)
		}
	}

	logger := util.NewLogger(cfg.Verbose)
	logger.SetOutput(a.stderr)
	logger.SetJSON(cfg.JSON)
	m := metrics.New()

	p := &printer{w: a.stdout, prefix: len(hosts) > 1}
	results := make([]outcome, len(hosts))

	var g errgroup.Group
	g.SetLimit(cfg.Parallel)
	for i, hc := range hosts {
		g.Go(func() error {
			results[i] = a.runHost(cmd.Context(), cfg, hc, logger, m, p, fn)
			if !cfg.JSON {
				p.report(&results[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	logger.Debug("metrics: %s", m.JSON())

	if cfg.JSON {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	}

	var failed []outcome
	for _, o := range results {
		if !o.OK {
			failed = append(failed, o)
		}
	}
	switch {
	case len(failed) == 0:
		return nil
	case len(hosts) == 1:
		return failed[0].err
	default:
		return fmt.Errorf("%d of %d hosts failed", len(failed), len(hosts))
	}
}

func (a *app) runHost(ctx context.Context, cfg *config.Config, hc config.HostConfig,
	logger *util.Logger, m *metrics.Collector, p *printer, fn hostFunc) outcome {

	start := time.Now()
	o := outcome{Host: hc.Name}

	err := func() error {
		h, err := host.NewSSH(hc.SSH(), host.Options{
			Name:    hc.Name,
			Token:   hc.Token,
			Client:  "inapi/" + version,
			Backoff: cfg.Retry.Backoff(),
			Breaker: cfg.Retry.Breaker(),
			Logger:  logger,
			Metrics: m,
		})
		if err != nil {
			return err
		}
		if err := h.Connect(ctx); err != nil {
			return err
		}
		defer h.Disconnect()

		opCtx := ctx
		if cfg.Timeout > 0 {
			var cancel context.CancelFunc
			opCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
			defer cancel()
		}

		t := &target{Host: h, cfg: cfg, log: logger.Named(hc.Name), out: &o}
		if !cfg.JSON {
			stdout, stderr := p.stream(hc.Name, a.stdout), p.stream(hc.Name, a.stderr)
			defer stdout.flush()
			defer stderr.flush()
			t.stdout, t.stderr = stdout, stderr
		}
		return fn(opCtx, t)
	}()

	o.Elapsed = time.Since(start).Round(time.Millisecond).String()
	if err != nil {
		o.err = err
		o.Error = err.Error()
		return o
	}
	o.OK = true
	return o
}

// ── Output ───────────────────────────────────────────────────────────

// printer serializes output of concurrent hosts.  With prefix set every
// line is tagged with its host.
type printer struct {
	mu     sync.Mutex
	w      io.Writer
	prefix bool
}

func (p *printer) report(o *outcome) {
	var b strings.Builder
	switch {
	case !o.OK:
		fmt.Fprintf(&b, "%s: FAILED: %s\n", o.Host, o.Error)
	case strings.Contains(o.Summary, "\n"):
		fmt.Fprintf(&b, "%s: %s\n%s", o.Host, status(o), o.Summary)
		if !strings.HasSuffix(o.Summary, "\n") {
			b.WriteByte('\n')
		}
	case o.Summary != "":
		fmt.Fprintf(&b, "%s: %s: %s\n", o.Host, status(o), o.Summary)
	default:
		fmt.Fprintf(&b, "%s: %s\n", o.Host, status(o))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = io.WriteString(p.w, b.String())
}

func status(o *outcome) string {
	if o.Changed {
		return "changed"
	}
	return "ok"
}

func (p *printer) stream(name string, w io.Writer) *lineWriter {
	return &lineWriter{p: p, w: w, tag: "[" + name + "] "}
}

// lineWriter forwards whole lines so output of different hosts does not
// interleave mid-line.
type lineWriter struct {
	p   *printer
	w   io.Writer
	tag string
	buf []byte
}

func (l *lineWriter) Write(b []byte) (int, error) {
	l.buf = append(l.buf, b...)
	i := strings.LastIndexByte(string(l.buf), '\n')
	if i < 0 {
		return len(b), nil
	}
	l.emit(l.buf[:i+1])
	l.buf = append(l.buf[:0], l.buf[i+1:]...)
	return len(b), nil
}

func (l *lineWriter) flush() {
	if len(l.buf) == 0 {
		return
	}
	chunk := l.buf
	if l.p.prefix {
		chunk = append(chunk, '\n')
	}
	l.emit(chunk)
	l.buf = nil
}

func (l *lineWriter) emit(chunk []byte) {
	l.p.mu.Lock()
	defer l.p.mu.Unlock()
	if !l.p.prefix {
		_, _ = l.w.Write(chunk)
		return
	}
	for _, line := range strings.SplitAfter(string(chunk), "\n") {
		if line != "" {
			_, _ = io.WriteString(l.w, l.tag+line)
		}
	}
}
