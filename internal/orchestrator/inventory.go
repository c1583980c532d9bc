// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package orchestrator

import (
	"fmt"

	"github.com/goccy/go-yaml"
	"github.com/toeirei/stagehand/internal/model"
	"github.com/toeirei/stagehand/internal/security"
)

// AuthKind says which auth material an inventory host carries.
type AuthKind string

const (
	AuthKey      AuthKind = "key"
	AuthPassword AuthKind = "password"
	AuthNone     AuthKind = "none"
)

// HostEntry is one resolved target host.
type HostEntry struct {
	Server   model.Server
	Name     string
	Auth     AuthKind
	KeyFile  string
	Key      security.Secret // wiped by the orchestrator after the probe pass
	Password security.Secret
}

type inventoryHost struct {
	AnsibleHost     string `yaml:"ansible_host"`
	AnsiblePort     int    `yaml:"ansible_port"`
	AnsibleUser     string `yaml:"ansible_user,omitempty"`
	PrivateKeyFile  string `yaml:"ansible_ssh_private_key_file,omitempty"`
	AnsiblePassword string `yaml:"ansible_password,omitempty"`
	ServerID        int64  `yaml:"stagehand_server_id"`
}

type inventoryGroup struct {
	Hosts map[string]inventoryHost `yaml:"hosts"`
}

type inventoryDoc struct {
	All inventoryGroup `yaml:"all"`
}

// BuildInventory renders hosts as an Ansible YAML inventory. Every host is
// listed, including hosts without auth material.
func BuildInventory(hosts []HostEntry) ([]byte, error) {
	doc := inventoryDoc{All: inventoryGroup{Hosts: make(map[string]inventoryHost, len(hosts))}}
	for _, h := range hosts {
		if _, dup := doc.All.Hosts[h.Name]; dup {
			return nil, fmt.Errorf("duplicate inventory host %q", h.Name)
		}
		port := h.Server.Port
		if port == 0 {
			port = 22
		}
		ih := inventoryHost{
			AnsibleHost: h.Server.Address,
			AnsiblePort: port,
			AnsibleUser: h.Server.Username,
			ServerID:    h.Server.ID,
		}
		switch h.Auth {
		case AuthKey:
			ih.PrivateKeyFile = h.KeyFile
		case AuthPassword:
			ih.AnsiblePassword = h.Password.Reveal()
		}
		doc.All.Hosts[h.Name] = ih
	}
	return yaml.Marshal(doc)
}

// uniqueNames assigns inventory names, suffixing the server id when two
// servers share a name.
func uniqueNames(servers []model.Server) []string {
	count := map[string]int{}
	for _, s := range servers {
		count[s.InventoryName()]++
	}
	names := make([]string, len(servers))
	for i, s := range servers {
		n := s.InventoryName()
		if count[n] > 1 {
			n = fmt.Sprintf("%s-%d", n, s.ID)
		}
		names[i] = n
	}
	return names
}
