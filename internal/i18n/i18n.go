// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

// Package i18n localizes the operator-facing narrative that is appended to
// run logs and drift records. Translations are embedded YAML files loaded
// into a go-i18n bundle.
package i18n

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sync"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"github.com/toeirei/stagehand/internal/logging"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var localeFS embed.FS

var (
	mu        sync.RWMutex
	bundle    *i18n.Bundle
	localizer *i18n.Localizer
	lang      string
)

// Init loads every embedded locale and selects lang.
func Init(l string) {
	b := i18n.NewBundle(language.English)
	b.RegisterUnmarshalFunc("yaml", yaml.Unmarshal)

	files, _ := fs.ReadDir(localeFS, "locales")
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		data, err := localeFS.ReadFile("locales/" + f.Name())
		if err != nil {
			continue
		}
		_, _ = b.ParseMessageFileBytes(data, f.Name())
	}

	mu.Lock()
	bundle = b
	localizer = i18n.NewLocalizer(b, l, "en")
	lang = l
	mu.Unlock()
}

// Lang returns the active language tag.
func Lang() string {
	mu.RLock()
	defer mu.RUnlock()
	return lang
}

// T translates a message id. Ids missing from the active locale use the
// English text; ids unknown everywhere are returned unchanged.
func T(messageID string) string {
	mu.RLock()
	loc := localizer
	mu.RUnlock()
	if loc == nil {
		Init("en")
		mu.RLock()
		loc = localizer
		mu.RUnlock()
	}
	msg, err := loc.Localize(&i18n.LocalizeConfig{MessageID: messageID})
	if msg != "" {
		return msg
	}
	var notFound *i18n.MessageNotFoundErr
	if err != nil && !errors.As(err, &notFound) {
		logging.Debugf("i18n: localize %s: %v", messageID, err)
	}
	return messageID
}

// Tf translates messageID and formats the result with args.
func Tf(messageID string, args ...any) string {
	return fmt.Sprintf(T(messageID), args...)
}
