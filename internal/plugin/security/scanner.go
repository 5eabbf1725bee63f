// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package security

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/samber/oops"

	"github.com/holomush/plughost/internal/plugin"
	"github.com/holomush/plughost/pkg/errutil"
)

// Finding categories reported by ScanCode.
const (
	CategoryDynamicExec = "dynamic-exec"
	CategoryProcess     = "process"
	CategoryNetwork     = "network"
	CategoryFilesystem  = "filesystem"
	CategoryUnscannable = "unscannable"
)

// maxScanLine is the longest source line the scanner reads. Longer lines
// make the file unscannable, which clears the Safe flag.
const maxScanLine = 1 << 20

type scanRule struct {
	category string
	pattern  *regexp.Regexp
}

// scanRules are keyword heuristics for Lua scripts and Go sources shipped
// with plugins. Only CategoryDynamicExec marks a plugin unsafe.
var scanRules = []scanRule{
	{CategoryDynamicExec, regexp.MustCompile(`\b(loadstring|loadfile|dofile|setfenv)\s*\(`)},
	{CategoryDynamicExec, regexp.MustCompile(`(^|[^.\w])load\s*\(`)},
	{CategoryDynamicExec, regexp.MustCompile(`\bdebug\.\w+`)},
	{CategoryDynamicExec, regexp.MustCompile(`\bplugin\.Open\s*\(`)},
	{CategoryProcess, regexp.MustCompile(`\b(os\.execute|io\.popen|exec\.Command(Context)?)\b`)},
	{CategoryProcess, regexp.MustCompile(`\brequire\s*\(?\s*["'](os|io)["']`)},
	{CategoryProcess, regexp.MustCompile(`"(os/exec|syscall|unsafe)"`)},
	{CategoryNetwork, regexp.MustCompile(`\brequire\s*\(?\s*["'](socket|http|ssl)[\w.]*["']`)},
	{CategoryNetwork, regexp.MustCompile(`"net(/http)?"`)},
	{CategoryNetwork, regexp.MustCompile(`https?://`)},
	{CategoryFilesystem, regexp.MustCompile(`\b(io\.open|io\.lines|os\.remove|os\.rename|os\.tmpname)\b`)},
	{CategoryFilesystem, regexp.MustCompile(`\bos\.(Open|OpenFile|Create|Remove|RemoveAll|Rename|WriteFile|ReadFile)\s*\(`)},
}

var sourceExtensions = map[string]bool{".lua": true, ".go": true}

// ScanCode runs the heuristic scan over every source file under dir. It is
// not a sandbox: findings are advisory and only dynamic execution clears
// the Safe flag, as does a file the scanner cannot read to the end.
func (m *Manager) ScanCode(dir string) (*plugin.ScanReport, error) {
	report := &plugin.ScanReport{Safe: true}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !sourceExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			rel = path
		}
		report.Files++
		return scanFile(path, filepath.ToSlash(rel), report)
	})
	if err != nil {
		return nil, oops.Code(errutil.CodeSecurityViolation).
			In("security").
			With("path", dir).
			Wrapf(err, "scan plugin code")
	}

	if !report.Safe {
		m.logger.Warn("plugin code uses dynamic execution", "path", dir, "warnings", len(report.Warnings))
	}
	return report, nil
}

func scanFile(path, rel string, report *plugin.ScanReport) error {
	f, err := os.Open(path) //nolint:gosec // path comes from walking the plugin directory
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanLine)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		for _, rule := range scanRules {
			match := rule.pattern.FindString(text)
			if match == "" {
				continue
			}
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("%s:%d: %s: %s", rel, line, rule.category, strings.TrimSpace(match)))
			if rule.category == CategoryDynamicExec {
				report.Safe = false
			}
		}
	}
	if err := sc.Err(); err != nil {
		if !errors.Is(err, bufio.ErrTooLong) {
			return err
		}
		report.Warnings = append(report.Warnings,
			fmt.Sprintf("%s:%d: %s: line longer than %d bytes", rel, line+1, CategoryUnscannable, maxScanLine))
		report.Safe = false
	}
	return nil
}
