// Copyright (c) 2026 Stagehand Team
// Stagehand - remote execution and drift reconciliation
// This source code is licensed under the MIT license found in the LICENSE file.

package i18n

import (
	"strings"
	"testing"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

func TestT_KnownAndUnknownIDs(t *testing.T) {
	Init("en")
	if got := T("run.completed"); got != "run completed successfully" {
		t.Fatalf("unexpected translation: %q", got)
	}
	if got := T("does.not.exist"); got != "does.not.exist" {
		t.Fatalf("unknown ids should be returned as-is, got %q", got)
	}
}

func TestTf_Formats(t *testing.T) {
	Init("en")
	got := Tf("run.failed_exit", 3)
	if got != "executor exited with status 3" {
		t.Fatalf("unexpected formatted message: %q", got)
	}
}

func TestSimulatedMessagesAreLabeled(t *testing.T) {
	Init("en")
	for _, id := range []string{"run.simulated_start", "run.simulated_host", "run.simulated_done"} {
		if !strings.HasPrefix(T(id), "[SIMULATED]") {
			t.Fatalf("%s must be labeled as simulated: %q", id, T(id))
		}
	}
}

func TestGermanTranslations(t *testing.T) {
	Init("de")
	defer Init("en")
	if Lang() != "de" {
		t.Fatalf("expected lang de, got %q", Lang())
	}
	if got := T("run.completed"); got != "Lauf erfolgreich abgeschlossen" {
		t.Fatalf("unexpected german translation: %q", got)
	}
	if got := T("run.no_targets"); got != "Ziel %s ergibt keine Server" {
		t.Fatalf("unexpected german translation: %q", got)
	}
}

func TestMissingIDUsesEnglishText(t *testing.T) {
	b := i18n.NewBundle(language.English)
	b.MustAddMessages(language.English, &i18n.Message{ID: "only.english", Other: "english text"})
	b.MustAddMessages(language.German, &i18n.Message{ID: "other.id", Other: "deutsch"})

	mu.Lock()
	prev := localizer
	localizer = i18n.NewLocalizer(b, "de", "en")
	mu.Unlock()
	defer func() {
		mu.Lock()
		localizer = prev
		mu.Unlock()
	}()

	if got := T("only.english"); got != "english text" {
		t.Fatalf("ids missing from the active locale should use english, got %q", got)
	}
	if got := Tf("only.english"); got != "english text" {
		t.Fatalf("unexpected formatted fallback: %q", got)
	}
	if got := T("nowhere"); got != "nowhere" {
		t.Fatalf("unknown ids should be returned as-is, got %q", got)
	}
}

func TestSimulatedLabelInEveryLocale(t *testing.T) {
	defer Init("en")
	for _, l := range []string{"en", "de"} {
		Init(l)
		for _, id := range []string{"run.simulated_start", "run.simulated_host", "run.simulated_done"} {
			if !strings.HasPrefix(T(id), "[SIMULATED]") {
				t.Fatalf("%s/%s must carry the simulated label: %q", l, id, T(id))
			}
		}
		if got := Tf("run.simulated_host", "web-01", "base"); strings.Contains(got, "%!") {
			t.Fatalf("%s: bad format verbs: %q", l, got)
		}
	}
}
