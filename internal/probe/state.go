// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package probe

import (
	"bufio"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/toeirei/stagehand/internal/model"
)

// validUnitName restricts package and service names interpolated into
// remote commands.
var validUnitName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.+_@:-]*$`)

// GatherState connects to t and observes the packages, services and
// listening ports named by expected. Only the names in expected are queried.
func (p *Prober) GatherState(ctx context.Context, t Target, expected model.ExpectedState) (model.ActualState, error) {
	actual := model.ActualState{
		Packages: map[string]string{},
		Services: map[string]model.ServiceState{},
	}
	client, err := p.connect(ctx, t)
	if err != nil {
		return actual, err
	}
	defer func() { _ = client.Close() }()

	if names := safeNames(packageNames(expected)); len(names) > 0 {
		out, err := run(ctx, client, packageQuery(names), p.cfg.Timeout)
		if err != nil && out == "" {
			return actual, fmt.Errorf("package query failed: %w", err)
		}
		actual.Packages = parsePackages(out)
	}

	if names := safeNames(expected.ServiceNames()); len(names) > 0 {
		out, err := run(ctx, client, serviceQuery(names), p.cfg.Timeout)
		if err != nil && out == "" {
			return actual, fmt.Errorf("service query failed: %w", err)
		}
		actual.Services = parseServices(out)
	}

	if len(expected.Ports) > 0 {
		out, err := run(ctx, client, "ss -H -ltnu 2>/dev/null || netstat -ltnu 2>/dev/null", p.cfg.Timeout)
		if err != nil && out == "" {
			return actual, fmt.Errorf("port query failed: %w", err)
		}
		actual.Ports = parseListeners(out)
	}
	return actual, nil
}

func packageNames(e model.ExpectedState) []string {
	names := make([]string, 0, len(e.Packages))
	for name := range e.Packages {
		names = append(names, name)
	}
	return names
}

func safeNames(names []string) []string {
	out := names[:0:0]
	for _, n := range names {
		if validUnitName.MatchString(n) {
			out = append(out, n)
		}
	}
	return out
}

// packageQuery lists installed packages with dpkg, falling back to rpm.
// Each output line is "name<TAB>version<TAB>status".
func packageQuery(names []string) string {
	list := strings.Join(names, " ")
	return "dpkg-query -W -f='${Package}\\t${Version}\\t${Status}\\n' " + list + " 2>/dev/null; " +
		"command -v dpkg-query >/dev/null 2>&1 || rpm -q --qf '%{NAME}\\t%{VERSION}-%{RELEASE}\\tinstall ok installed\\n' " + list + " 2>/dev/null; true"
}

// parsePackages keeps installed packages only; dpkg leaves rows for removed
// packages whose status does not end in "installed".
func parsePackages(out string) map[string]string {
	pkgs := map[string]string{}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		parts := strings.Split(strings.TrimSpace(sc.Text()), "\t")
		if len(parts) < 3 || parts[0] == "" {
			continue
		}
		status := strings.Fields(parts[2])
		if len(status) == 0 || status[len(status)-1] != "installed" {
			continue
		}
		pkgs[parts[0]] = parts[1]
	}
	return pkgs
}

// serviceQuery prints "name<TAB>is-active<TAB>is-enabled" per service.
func serviceQuery(names []string) string {
	return "for s in " + strings.Join(names, " ") + "; do " +
		`printf '%s\t%s\t%s\n' "$s" "$(systemctl is-active "$s" 2>/dev/null)" "$(systemctl is-enabled "$s" 2>/dev/null)"; ` +
		"done"
}

// parseServices maps systemd states onto running/stopped. A unit without an
// enablement state does not exist and is left out.
func parseServices(out string) map[string]model.ServiceState {
	svcs := map[string]model.ServiceState{}
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		parts := strings.Split(sc.Text(), "\t")
		if len(parts) < 3 {
			continue
		}
		name := strings.TrimSpace(parts[0])
		active := strings.TrimSpace(parts[1])
		enabled := strings.TrimSpace(parts[2])
		if name == "" || enabled == "" || enabled == "not-found" {
			continue
		}
		state := "stopped"
		switch active {
		case "active", "activating", "reloading":
			state = "running"
		}
		svcs[name] = model.ServiceState{
			State:   state,
			Enabled: enabled == "enabled" || enabled == "enabled-runtime" || enabled == "alias",
		}
	}
	return svcs
}

// parseListeners accepts both `ss -H -ltnu` and `netstat -ltnu` output.
func parseListeners(out string) []model.PortSpec {
	seen := map[string]bool{}
	var ports []model.PortSpec
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			continue
		}
		proto := strings.TrimSuffix(strings.ToLower(fields[0]), "6")
		if proto != "tcp" && proto != "udp" {
			continue
		}
		var local string
		if fields[1] == "LISTEN" || fields[1] == "UNCONN" {
			// ss: netid state recv-q send-q local peer
			if len(fields) < 5 {
				continue
			}
			local = fields[4]
		} else {
			// netstat: proto recv-q send-q local foreign [state]
			local = fields[3]
		}
		i := strings.LastIndex(local, ":")
		if i < 0 {
			continue
		}
		port, err := strconv.Atoi(local[i+1:])
		if err != nil || port <= 0 {
			continue
		}
		ps := model.PortSpec{Port: port, Protocol: proto}
		if !seen[ps.String()] {
			seen[ps.String()] = true
			ports = append(ports, ps)
		}
	}
	return ports
}
