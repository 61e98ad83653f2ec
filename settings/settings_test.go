package settings

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/Klomgor/Maintainerr/internal/database"
	"github.com/Klomgor/Maintainerr/scheduler"
)

func strPtr(s string) *string { return &s }

func newSQLiteSettingsStore(t *testing.T) *SQLStore {
	t.Helper()
	ctx := context.Background()
	url := filepath.Join(t.TempDir(), "settings.db")

	db, err := database.Open(ctx, database.SQLite, url)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.Migrate(db, database.SQLite, url); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	return NewSQLStore(db, database.SQLite.Placeholder())
}

func storeImplementations() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store { return newSQLiteSettingsStore(t) },
	}
}

// TestInitSeedsDefaults verifies first boot writes the defaults and later boots read them back
func TestInitSeedsDefaults(t *testing.T) {
	for name, newStore := range storeImplementations() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)

			svc := NewService(store, Defaults())
			if err := svc.Init(ctx); err != nil {
				t.Fatalf("Init() failed: %v", err)
			}
			got := svc.Current()
			if got.RulesHandlerCron != Defaults().RulesHandlerCron || got.UpdatedAt.IsZero() {
				t.Errorf("Current() = %+v", got)
			}

			values, err := store.Load(ctx)
			if err != nil {
				t.Fatalf("Load() failed: %v", err)
			}
			if values[KeyRulesCron] != Defaults().RulesHandlerCron {
				t.Errorf("stored cron = %q", values[KeyRulesCron])
			}

			if _, err := svc.Update(ctx, Patch{ApplicationTitle: strPtr("Cleaner")}); err != nil {
				t.Fatalf("Update() failed: %v", err)
			}

			restarted := NewService(store, Defaults())
			if err := restarted.Init(ctx); err != nil {
				t.Fatalf("Init() after restart failed: %v", err)
			}
			if restarted.Current().ApplicationTitle != "Cleaner" {
				t.Errorf("ApplicationTitle after restart = %q, want Cleaner", restarted.Current().ApplicationTitle)
			}
		})
	}
}

// TestUpdateInvalidCronKeepsSnapshot verifies a rejected cron leaves the settings untouched
func TestUpdateInvalidCronKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), Defaults())
	if err := svc.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	before := svc.Current()

	_, err := svc.Update(ctx, Patch{
		ApplicationTitle: strPtr("Changed"),
		RulesHandlerCron: strPtr("every now and then"),
	})
	var invalid *scheduler.InvalidScheduleError
	if !errors.As(err, &invalid) {
		t.Fatalf("Update() error = %v, want *InvalidScheduleError", err)
	}
	if svc.Current() != before {
		t.Errorf("Current() = %+v, want unchanged %+v", svc.Current(), before)
	}
}

// TestCronStore verifies LoadCron and SaveCron go through the snapshot
func TestCronStore(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), Defaults())
	if err := svc.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}

	var _ scheduler.CronStore = svc

	if err := svc.SaveCron(ctx, "@hourly"); err != nil {
		t.Fatalf("SaveCron() failed: %v", err)
	}
	expr, err := svc.LoadCron(ctx)
	if err != nil || expr != "@hourly" {
		t.Errorf("LoadCron() = %q, %v; want @hourly", expr, err)
	}
	if err := svc.SaveCron(ctx, "nope"); err == nil {
		t.Error("SaveCron() should reject an invalid expression")
	}
}

// TestInitReplacesInvalidStoredCron verifies a corrupt stored cron falls back to the default
func TestInitReplacesInvalidStoredCron(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Put(ctx, map[string]string{KeyRulesCron: "garbage", KeyLocale: "fr"}); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	svc := NewService(store, Defaults())
	if err := svc.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	if got := svc.Current(); got.RulesHandlerCron != Defaults().RulesHandlerCron || got.Locale != "fr" {
		t.Errorf("Current() = %+v", got)
	}
}

// TestInitGeneratesCredentials verifies first boot creates a client id and API key that survive a restart
func TestInitGeneratesCredentials(t *testing.T) {
	for name, newStore := range storeImplementations() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t)

			svc := NewService(store, Defaults())
			if err := svc.Init(ctx); err != nil {
				t.Fatalf("Init() failed: %v", err)
			}
			first := svc.Current()
			if first.ClientID == "" || first.APIKey == "" {
				t.Fatalf("Current() = %+v, want generated credentials", first)
			}

			restarted := NewService(store, Defaults())
			if err := restarted.Init(ctx); err != nil {
				t.Fatalf("Init() after restart failed: %v", err)
			}
			if got := restarted.Current(); got.ClientID != first.ClientID || got.APIKey != first.APIKey {
				t.Errorf("credentials after restart = %q/%q, want %q/%q", got.ClientID, got.APIKey, first.ClientID, first.APIKey)
			}
		})
	}
}

// TestInitFillsMissingCredentials verifies settings stored without credentials get them on the next boot
func TestInitFillsMissingCredentials(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Put(ctx, map[string]string{KeyApplicationTitle: "Old", KeyCatalogURL: ""}); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}

	defaults := Defaults()
	defaults.CatalogURL = "http://catalog:8080"
	svc := NewService(store, defaults)
	if err := svc.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	got := svc.Current()
	if got.ApplicationTitle != "Old" || got.ClientID == "" || got.APIKey == "" {
		t.Errorf("Current() = %+v", got)
	}
	if got.CatalogURL != "http://catalog:8080" {
		t.Errorf("CatalogURL = %q, want the default for an empty stored value", got.CatalogURL)
	}

	values, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if values[KeyAPIKey] != got.APIKey || values[KeyClientID] != got.ClientID {
		t.Errorf("stored credentials = %q/%q", values[KeyClientID], values[KeyAPIKey])
	}
}

// TestRegenerateAPIKey verifies a new key replaces the old one and is persisted
func TestRegenerateAPIKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, Defaults())
	if err := svc.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	old := svc.Current()

	updated, err := svc.RegenerateAPIKey(ctx)
	if err != nil {
		t.Fatalf("RegenerateAPIKey() failed: %v", err)
	}
	if updated.APIKey == old.APIKey || updated.APIKey == "" {
		t.Errorf("APIKey = %q, old %q", updated.APIKey, old.APIKey)
	}
	if updated.ClientID != old.ClientID {
		t.Errorf("ClientID changed from %q to %q", old.ClientID, updated.ClientID)
	}

	values, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if values[KeyAPIKey] != updated.APIKey {
		t.Errorf("stored apikey = %q, want %q", values[KeyAPIKey], updated.APIKey)
	}
}

// TestValidatePatch verifies URL and cron checks across the patch fields
func TestValidatePatch(t *testing.T) {
	tests := []struct {
		name    string
		patch   Patch
		wantErr bool
	}{
		{name: "empty patch", patch: Patch{}},
		{name: "valid urls", patch: Patch{CatalogURL: strPtr("http://catalog:8080"), ActionsURL: strPtr(" https://actions ")}},
		{name: "cleared url", patch: Patch{CatalogURL: strPtr("")}},
		{name: "relative url", patch: Patch{ApplicationURL: strPtr("/maintainerr")}, wantErr: true},
		{name: "wrong scheme", patch: Patch{ActionsURL: strPtr("ftp://actions")}, wantErr: true},
		{name: "bad cron with good url", patch: Patch{CatalogURL: strPtr("http://c"), RulesHandlerCron: strPtr("never")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePatch(tt.patch)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePatch() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestUpdateInvalidURLWritesNothing verifies a patch with one bad field leaves store and snapshot untouched
func TestUpdateInvalidURLWritesNothing(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, Defaults())
	if err := svc.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	before := svc.Current()
	stored, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	_, err = svc.Update(ctx, Patch{
		ApplicationTitle: strPtr("Changed"),
		RulesHandlerCron: strPtr("@hourly"),
		CatalogURL:       strPtr("catalog without scheme"),
	})
	if !errors.Is(err, ErrInvalidSettings) {
		t.Fatalf("Update() error = %v, want ErrInvalidSettings", err)
	}
	if svc.Current() != before {
		t.Errorf("Current() = %+v, want unchanged %+v", svc.Current(), before)
	}
	after, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if after[KeyApplicationTitle] != stored[KeyApplicationTitle] || after[KeyRulesCron] != stored[KeyRulesCron] {
		t.Errorf("store changed: %v -> %v", stored, after)
	}
}

// TestOnChangeReceivesCommittedSnapshot verifies listeners see each saved snapshot and nothing on rejection
func TestOnChangeReceivesCommittedSnapshot(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), Defaults())
	if err := svc.Init(ctx); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}

	var seen []Settings
	svc.OnChange(func(s Settings) { seen = append(seen, s) })

	if _, err := svc.Update(ctx, Patch{CatalogURL: strPtr("http://catalog:9000/"), MediaAPIKey: strPtr("secret")}); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	if _, err := svc.Update(ctx, Patch{ActionsURL: strPtr("mailto:someone")}); err == nil {
		t.Fatal("Update() should reject a non-http actions url")
	}

	if len(seen) != 1 {
		t.Fatalf("listener called %d times, want 1", len(seen))
	}
	if seen[0] != svc.Current() || seen[0].MediaAPIKey != "secret" {
		t.Errorf("listener got %+v, current %+v", seen[0], svc.Current())
	}
}
