// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package probe

import (
	"testing"

	"github.com/toeirei/stagehand/internal/model"
)

func TestParseHostPort(t *testing.T) {
	tests := []struct {
		in       string
		host     string
		port     int
		wantFail bool
	}{
		{"example.com", "example.com", 0, false},
		{"example.com:2222", "example.com", 2222, false},
		{"10.0.0.1:22", "10.0.0.1", 22, false},
		{"[::1]:2200", "::1", 2200, false},
		{"[fe80::1]", "fe80::1", 0, false},
		{"fe80::1", "fe80::1", 0, false},
		{"", "", 0, true},
		{"host:notaport", "", 0, true},
		{"host:70000", "", 0, true},
		{":22", "", 0, true},
	}
	for _, tt := range tests {
		host, port, err := ParseHostPort(tt.in)
		if tt.wantFail {
			if err == nil {
				t.Errorf("ParseHostPort(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil || host != tt.host || port != tt.port {
			t.Errorf("ParseHostPort(%q) = %q, %d, %v; want %q, %d", tt.in, host, port, err, tt.host, tt.port)
		}
	}
}

func TestCanonicalizeHostPort(t *testing.T) {
	tests := []struct {
		in       string
		fallback int
		want     string
	}{
		{"Web-01.Example.com", 0, "web-01.example.com:22"},
		{"web-01", 2222, "web-01:2222"},
		{"web-01:2200", 2222, "web-01:2200"},
		{"::1", 0, "[::1]:22"},
	}
	for _, tt := range tests {
		got, err := CanonicalizeHostPort(tt.in, tt.fallback)
		if err != nil || got != tt.want {
			t.Errorf("CanonicalizeHostPort(%q, %d) = %q, %v; want %q", tt.in, tt.fallback, got, err, tt.want)
		}
	}
}

func TestTargetAddr(t *testing.T) {
	tests := []struct {
		target Target
		want   string
	}{
		{Target{Host: "web-01"}, "web-01:22"},
		{Target{Host: "web-01", Port: 2222}, "web-01:2222"},
		{Target{Host: "web-01:2200", Port: 2222}, "web-01:2200"},
		{Target{Host: "[::1]", Port: 22}, "[::1]:22"},
	}
	for _, tt := range tests {
		if got := tt.target.Addr(); got != tt.want {
			t.Errorf("Addr(%+v) = %q, want %q", tt.target, got, tt.want)
		}
	}
}

func TestParseUname(t *testing.T) {
	f, err := parseUname("Linux web-01 5.15.0-91-generic x86_64\n")
	if err != nil {
		t.Fatalf("parseUname: %v", err)
	}
	if f.Kernel != "Linux" || f.Hostname != "web-01" || f.KernelRelease != "5.15.0-91-generic" || f.Arch != "x86_64" {
		t.Fatalf("unexpected facts: %+v", f)
	}
	if _, err := parseUname("Linux"); err == nil {
		t.Fatalf("expected error for short output")
	}
}

func TestParseOSRelease(t *testing.T) {
	rel := parseOSRelease("# comment\nID=ubuntu\nPRETTY_NAME=\"Ubuntu 22.04\"\nVERSION_ID='22.04'\nbroken line\n")
	if rel["ID"] != "ubuntu" || rel["PRETTY_NAME"] != "Ubuntu 22.04" || rel["VERSION_ID"] != "22.04" {
		t.Fatalf("unexpected os-release map: %v", rel)
	}
}

func TestParsePackages(t *testing.T) {
	out := "nginx\t1.18.0\tinstall ok installed\n" +
		"curl\t7.81\tdeinstall ok config-files\n" +
		"package httpd is not installed\n" +
		"httpd\t2.4.57-5.el9\tinstall ok installed\n"
	pkgs := parsePackages(out)
	if len(pkgs) != 2 || pkgs["nginx"] != "1.18.0" || pkgs["httpd"] != "2.4.57-5.el9" {
		t.Fatalf("unexpected packages: %v", pkgs)
	}
}

func TestParseServices(t *testing.T) {
	out := "nginx\tactive\tenabled\n" +
		"cron\tfailed\tdisabled\n" +
		"ghost\tinactive\t\n" +
		"sshd\tactivating\tstatic\n"
	svcs := parseServices(out)
	want := map[string]model.ServiceState{
		"nginx": {State: "running", Enabled: true},
		"cron":  {State: "stopped", Enabled: false},
		"sshd":  {State: "running", Enabled: false},
	}
	if len(svcs) != len(want) {
		t.Fatalf("unexpected services: %v", svcs)
	}
	for name, w := range want {
		if svcs[name] != w {
			t.Errorf("%s = %+v, want %+v", name, svcs[name], w)
		}
	}
}

func TestParseListenersNetstat(t *testing.T) {
	out := "Active Internet connections (only servers)\n" +
		"Proto Recv-Q Send-Q Local Address           Foreign Address         State\n" +
		"tcp        0      0 0.0.0.0:80              0.0.0.0:*               LISTEN\n" +
		"tcp6       0      0 :::80                   :::*                    LISTEN\n" +
		"udp        0      0 0.0.0.0:68              0.0.0.0:*\n"
	ports := parseListeners(out)
	if len(ports) != 2 {
		t.Fatalf("expected 2 unique listeners, got %v", ports)
	}
	if ports[0].String() != "80/tcp" || ports[1].String() != "68/udp" {
		t.Fatalf("unexpected listeners: %v", ports)
	}
}

func TestSafeNamesFiltersShellMetacharacters(t *testing.T) {
	got := safeNames([]string{"nginx", "php8.1-fpm", "getty@tty1", "x; rm -rf /", "$(id)", ""})
	if len(got) != 3 {
		t.Fatalf("unexpected filtered names: %v", got)
	}
}
