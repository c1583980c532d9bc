// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

// i18n-linter checks that every message ID passed to i18n.T or i18n.Tf
// exists in the primary locale, and reports orphaned IDs and IDs that
// secondary locales have not translated yet.
//
// Usage:
//
//	go run ./tools/i18n-linter [-root .] [-strict]
package main

import (
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	localesDir    = "internal/i18n/locales"
	primaryLocale = "en.yaml"
)

var usedKeyRe = regexp.MustCompile(`i18n\.Tf?\(\s*"([^"]+)"`)

// report is the result of one lint pass.
type report struct {
	Used     map[string]struct{}
	Missing  []string            // used in code, absent from the primary locale
	Orphaned []string            // in the primary locale, never used
	Pending  map[string][]string // secondary locale -> untranslated IDs
}

// failed reports whether the pass found errors. Orphaned IDs only count
// with strict.
func (r *report) failed(strict bool) bool {
	if len(r.Missing) > 0 {
		return true
	}
	for _, ids := range r.Pending {
		if len(ids) > 0 {
			return true
		}
	}
	return strict && len(r.Orphaned) > 0
}

func main() {
	root := flag.String("root", ".", "project root")
	strict := flag.Bool("strict", false, "treat orphaned IDs as errors")
	flag.Parse()

	r, err := lint(*root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "i18n-linter: %v\n", err)
		os.Exit(2)
	}
	printReport(os.Stdout, r)
	if r.failed(*strict) {
		os.Exit(1)
	}
}

func lint(root string) (*report, error) {
	used, err := findUsedKeys(root)
	if err != nil {
		return nil, fmt.Errorf("scan sources: %w", err)
	}
	dir := filepath.Join(root, localesDir)
	primary, err := loadKeysFromLocale(filepath.Join(dir, primaryLocale))
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", primaryLocale, err)
	}

	r := &report{Used: used, Pending: map[string][]string{}}
	r.Missing = difference(used, primary)
	r.Orphaned = difference(primary, used)

	files, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	for _, file := range files {
		name := filepath.Base(file)
		if name == primaryLocale {
			continue
		}
		keys, err := loadKeysFromLocale(file)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", name, err)
		}
		r.Pending[name] = difference(primary, keys)
	}
	return r, nil
}

func printReport(w io.Writer, r *report) {
	fmt.Fprintf(w, "%d message ID(s) used in source\n", len(r.Used))
	section(w, "missing from "+primaryLocale, r.Missing)
	section(w, "orphaned in "+primaryLocale, r.Orphaned)
	locales := make([]string, 0, len(r.Pending))
	for name := range r.Pending {
		locales = append(locales, name)
	}
	sort.Strings(locales)
	for _, name := range locales {
		section(w, "untranslated in "+name, r.Pending[name])
	}
}

func section(w io.Writer, title string, ids []string) {
	if len(ids) == 0 {
		fmt.Fprintf(w, "%s: none\n", title)
		return
	}
	fmt.Fprintf(w, "%s (%d):\n", title, len(ids))
	for _, id := range ids {
		fmt.Fprintf(w, "  - %s\n", id)
	}
}

// findUsedKeys collects literal message IDs from non-test Go files.
func findUsedKeys(root string) (map[string]struct{}, error) {
	keys := make(map[string]struct{})
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			switch d.Name() {
			case "tools", "_examples", "vendor", ".git":
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		for _, m := range usedKeyRe.FindAllStringSubmatch(string(content), -1) {
			keys[m[1]] = struct{}{}
		}
		return nil
	})
	return keys, err
}

// loadKeysFromLocale reads a YAML locale and returns its flattened IDs.
func loadKeysFromLocale(path string) (map[string]struct{}, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := yaml.Unmarshal(content, &data); err != nil {
		return nil, err
	}
	keys := make(map[string]struct{})
	flattenYAML("", data, keys)
	return keys, nil
}

// flattenYAML joins nested mapping keys with dots. Locale files are flat
// today, but nested sections load the same way.
func flattenYAML(prefix string, node any, keys map[string]struct{}) {
	m, ok := node.(map[string]any)
	if !ok {
		if prefix != "" {
			keys[prefix] = struct{}{}
		}
		return
	}
	for k, v := range m {
		next := k
		if prefix != "" {
			next = prefix + "." + k
		}
		flattenYAML(next, v, keys)
	}
}

// difference returns the sorted keys of a that are not in b.
func difference(a, b map[string]struct{}) []string {
	var out []string
	for k := range a {
		if _, ok := b[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
