package capability

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	inerrors "inapi/internal/errors"
)

// provider drives one package manager through its command line tools.
type provider struct {
	name string
	// probe is the binary whose presence selects this provider.
	probe string
	env   []string

	query     func(name string) (bin string, args []string)
	parse     func(out string, code int) (version string, installed bool)
	install   func(name, version string) (bin string, args []string)
	uninstall func(name string) (bin string, args []string)
	// notFound matches install output for an unknown package.
	notFound []string
}

var providers = []*provider{
	{
		name:  "apt",
		probe: "apt-get",
		env:   []string{"DEBIAN_FRONTEND=noninteractive"},
		query: func(n string) (string, []string) {
			return "dpkg-query", []string{"-W", "-f=${Status}|${Version}", n}
		},
		parse: func(out string, code int) (string, bool) {
			status, version, ok := strings.Cut(strings.TrimSpace(out), "|")
			if code != 0 || !ok || !strings.HasSuffix(status, "installed") || strings.Contains(status, "not-installed") {
				return "", false
			}
			return version, true
		},
		install: func(n, v string) (string, []string) {
			if v != "" {
				n += "=" + v
			}
			return "apt-get", []string{"install", "-y", "-q", n}
		},
		uninstall: func(n string) (string, []string) { return "apt-get", []string{"remove", "-y", "-q", n} },
		notFound:  []string{"Unable to locate package", "has no installation candidate"},
	},
	rpmProvider("dnf"),
	rpmProvider("yum"),
	{
		name:  "homebrew",
		probe: "brew",
		query: func(n string) (string, []string) { return "brew", []string{"list", "--versions", n} },
		parse: func(out string, code int) (string, bool) {
			fields := strings.Fields(out)
			if code != 0 || len(fields) < 2 {
				return "", false
			}
			return fields[len(fields)-1], true
		},
		install: func(n, v string) (string, []string) {
			if v != "" {
				n += "@" + v
			}
			return "brew", []string{"install", n}
		},
		uninstall: func(n string) (string, []string) { return "brew", []string{"uninstall", n} },
		notFound:  []string{"No available formula", "No formulae or casks found"},
	},
	{
		name:  "macports",
		probe: "port",
		query: func(n string) (string, []string) { return "port", []string{"-q", "installed", n} },
		parse: func(out string, code int) (string, bool) {
			// "  name @1.2.3_0 (active)"
			for _, line := range strings.Split(out, "\n") {
				if !strings.Contains(line, "(active)") {
					continue
				}
				for _, f := range strings.Fields(line) {
					if strings.HasPrefix(f, "@") {
						return strings.TrimPrefix(f, "@"), true
					}
				}
			}
			return "", false
		},
		install: func(n, v string) (string, []string) {
			if v != "" {
				return "port", []string{"-N", "install", n, "@" + v}
			}
			return "port", []string{"-N", "install", n}
		},
		uninstall: func(n string) (string, []string) { return "port", []string{"-N", "uninstall", n} },
		notFound:  []string{"not found in the port index"},
	},
	{
		name:  "pkg",
		probe: "pkg",
		env:   []string{"ASSUME_ALWAYS_YES=yes"},
		query: func(n string) (string, []string) { return "pkg", []string{"query", "%v", n} },
		parse: func(out string, code int) (string, bool) {
			v := strings.TrimSpace(out)
			return v, code == 0 && v != ""
		},
		install: func(n, v string) (string, []string) {
			if v != "" {
				n += "-" + v
			}
			return "pkg", []string{"install", "-y", n}
		},
		uninstall: func(n string) (string, []string) { return "pkg", []string{"delete", "-y", n} },
		notFound:  []string{"No packages available to install matching"},
	},
}

func rpmProvider(bin string) *provider {
	return &provider{
		name:  bin,
		probe: bin,
		query: func(n string) (string, []string) {
			return "rpm", []string{"-q", "--qf", "%{VERSION}-%{RELEASE}", n}
		},
		parse: func(out string, code int) (string, bool) {
			v := strings.TrimSpace(out)
			return v, code == 0 && v != ""
		},
		install: func(n, v string) (string, []string) {
			if v != "" {
				n += "-" + v
			}
			return bin, []string{"install", "-y", n}
		},
		uninstall: func(n string) (string, []string) { return bin, []string{"remove", "-y", n} },
		notFound:  []string{"No match for argument", "No package", "Unable to find a match"},
	}
}

// Packages implements agent.PackageManager over the providers above.
type Packages struct {
	run      Runner
	lookPath func(string) (string, error)

	once     sync.Once
	detected string
	err      error
}

// NewPackages returns a package manager running its tools through run.
func NewPackages(run Runner) *Packages {
	return &Packages{run: run, lookPath: exec.LookPath}
}

// DefaultProvider returns the first provider whose tool is installed.
func (p *Packages) DefaultProvider(context.Context) (string, error) {
	p.once.Do(func() {
		for _, pr := range providers {
			if _, err := p.lookPath(pr.probe); err == nil {
				p.detected = pr.name
				return
			}
		}
		p.err = inerrors.Domain(inerrors.CodeUnsupported, "no supported package manager found")
	})
	return p.detected, p.err
}

func lookupProvider(name string) (*provider, error) {
	for _, pr := range providers {
		if pr.name == name {
			return pr, nil
		}
	}
	return nil, inerrors.Domain(inerrors.CodeUnsupported, "unknown package provider %q", name)
}

func (p *Packages) Query(ctx context.Context, providerName, name string) (string, bool, error) {
	pr, err := lookupProvider(providerName)
	if err != nil {
		return "", false, err
	}
	bin, args := pr.query(name)
	out, code, err := p.run(ctx, pr.env, bin, args...)
	if err != nil {
		return "", false, fmt.Errorf("%s query %s: %w", pr.name, name, err)
	}
	version, installed := pr.parse(out, code)
	return version, installed, nil
}

func (p *Packages) Install(ctx context.Context, providerName, name, version string) error {
	pr, err := lookupProvider(providerName)
	if err != nil {
		return err
	}
	bin, args := pr.install(name, version)
	return p.exec(ctx, pr, "install", name, bin, args)
}

func (p *Packages) Uninstall(ctx context.Context, providerName, name string) error {
	pr, err := lookupProvider(providerName)
	if err != nil {
		return err
	}
	bin, args := pr.uninstall(name)
	return p.exec(ctx, pr, "uninstall", name, bin, args)
}

func (p *Packages) exec(ctx context.Context, pr *provider, action, name, bin string, args []string) error {
	out, code, err := p.run(ctx, pr.env, bin, args...)
	if err != nil {
		return fmt.Errorf("%s %s %s: %w", pr.name, action, name, err)
	}
	if code == 0 {
		return nil
	}
	for _, marker := range pr.notFound {
		if strings.Contains(out, marker) {
			return inerrors.Domain(inerrors.CodePackageNotFound, "%s: package %s not found", pr.name, name)
		}
	}
	return &inerrors.DomainError{
		Code:    inerrors.CodeAgent,
		Message: fmt.Sprintf("%s %s %s exited %d", pr.name, action, name, code),
		Detail:  lastLine(out),
	}
}

func lastLine(out string) string {
	out = strings.TrimSpace(out)
	if i := strings.LastIndexByte(out, '\n'); i >= 0 {
		return out[i+1:]
	}
	return out
}
