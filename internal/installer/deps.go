// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package installer

import (
	"context"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/samber/oops"

	"github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/pkg/errutil"
)

// CommandRunner runs an external command and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run implements CommandRunner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput() //nolint:gosec // name and args come from host config and manifests
}

// DependencyReport is the outcome of InstallDependencies. Failed maps each
// dependency that could not be installed to its error.
type DependencyReport struct {
	Mode      Mode
	Installed []string
	Skipped   []string
	Failed    map[string]error
}

// OK reports whether every dependency was installed or skipped.
func (r *DependencyReport) OK() bool { return len(r.Failed) == 0 }

// depPattern matches "name", "name 1.2" and "name==1.2" style requirements.
// Names cannot start with a dash, so a requirement never reaches luarocks
// as an option.
var depPattern = regexp.MustCompile(`^([A-Za-z0-9_][A-Za-z0-9_.\-]*)\s*(?:(==|>=|<=|~>|>|<|\s)\s*([0-9][0-9A-Za-z.\-]*))?$`)

// rockArgs converts a dependency requirement into luarocks install
// arguments. Only exact versions are pinned; ranges install the newest.
func rockArgs(dep string) ([]string, bool) {
	m := depPattern.FindStringSubmatch(strings.TrimSpace(dep))
	if m == nil {
		return nil, false
	}
	args := []string{m[1]}
	if m[3] != "" && (m[2] == "==" || strings.TrimSpace(m[2]) == "") {
		args = append(args, m[3])
	}
	return args, true
}

// InstallDependencies installs a Lua plugin's rock dependencies one at a
// time. In bundle mode rocks go into the private deps tree; in development
// mode into the ambient luarocks tree. A failed dependency is logged and
// recorded and the remaining ones are still attempted. Plugins of other
// runtimes report their dependencies as skipped.
func (i *Installer) InstallDependencies(ctx context.Context, m *plugin.Manifest) *DependencyReport {
	report := &DependencyReport{Mode: i.mode, Failed: make(map[string]error)}
	if len(m.Dependencies) == 0 {
		return report
	}
	if m.Runtime != plugin.TypeLua {
		report.Skipped = append(report.Skipped, m.Dependencies...)
		return report
	}

	if i.mode == ModeBundle {
		if i.depsDir == "" {
			err := oops.Code(errutil.CodeConfigInvalid).In("installer").Errorf("bundle mode requires a deps directory")
			for _, dep := range m.Dependencies {
				report.Failed[dep] = err
			}
			return report
		}
		if err := os.MkdirAll(i.depsDir, 0o750); err != nil {
			err = oops.Code(errutil.CodeDependencyInstallFailed).In("installer").With("dir", i.depsDir).Wrap(err)
			for _, dep := range m.Dependencies {
				report.Failed[dep] = err
			}
			return report
		}
	}

	for _, dep := range m.Dependencies {
		if err := i.installRock(ctx, m.ID, dep); err != nil {
			errutil.LogWarn(i.logger, "dependency install failed", err, "plugin", m.ID, "dependency", dep)
			report.Failed[dep] = err
			continue
		}
		report.Installed = append(report.Installed, dep)
	}
	i.logger.Info("dependencies processed",
		"plugin", m.ID,
		"mode", string(i.mode),
		"installed", len(report.Installed),
		"failed", len(report.Failed))
	return report
}

func (i *Installer) installRock(ctx context.Context, id, dep string) error {
	fail := oops.Code(errutil.CodeDependencyInstallFailed).
		In("installer").
		With("plugin", id).
		With("dependency", dep)

	rock, ok := rockArgs(dep)
	if !ok {
		return fail.Errorf("dependency %q is not a valid rock requirement", dep)
	}
	args := []string{"install"}
	if i.mode == ModeBundle {
		args = append(args, "--tree", i.depsDir)
	}
	args = append(args, rock...)

	out, err := i.runner.Run(ctx, i.luarocks, args...)
	if err != nil {
		return fail.With("output", strings.TrimSpace(string(out))).Wrapf(err, "luarocks install %s", rock[0])
	}
	return nil
}
