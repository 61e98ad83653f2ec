// Package settings holds the application settings as an immutable
// snapshot. Updates write the store first and then swap the snapshot, so
// readers never observe a partially applied change.
package settings

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Klomgor/Maintainerr/internal/logger"
	"github.com/Klomgor/Maintainerr/scheduler"
)

// Setting keys in the store
const (
	KeyClientID         = "client_id"
	KeyAPIKey           = "apikey"
	KeyApplicationTitle = "application_title"
	KeyApplicationURL   = "application_url"
	KeyLocale           = "locale"
	KeyRulesCron        = "rules_handler_job_cron"
	KeyCatalogURL       = "catalog_url"
	KeyActionsURL       = "actions_url"
	KeyMediaAPIKey      = "media_api_key"
	KeyUpdatedAt        = "updated_at"
)

// ErrInvalidSettings is matched by every rejected patch value other than
// the cron, which reports *scheduler.InvalidScheduleError
var ErrInvalidSettings = errors.New("invalid settings")

// Settings is a read-only snapshot
type Settings struct {
	ClientID         string    `json:"clientId"`
	APIKey           string    `json:"apikey"`
	ApplicationTitle string    `json:"applicationTitle"`
	ApplicationURL   string    `json:"applicationUrl"`
	Locale           string    `json:"locale"`
	RulesHandlerCron string    `json:"rules_handler_job_cron"`
	CatalogURL       string    `json:"catalogUrl"`
	ActionsURL       string    `json:"actionsUrl"`
	MediaAPIKey      string    `json:"mediaApiKey"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Patch lists the settings to change; nil fields are left alone
type Patch struct {
	ApplicationTitle *string `json:"applicationTitle,omitempty"`
	ApplicationURL   *string `json:"applicationUrl,omitempty"`
	Locale           *string `json:"locale,omitempty"`
	RulesHandlerCron *string `json:"rules_handler_job_cron,omitempty"`
	CatalogURL       *string `json:"catalogUrl,omitempty"`
	ActionsURL       *string `json:"actionsUrl,omitempty"`
	MediaAPIKey      *string `json:"mediaApiKey,omitempty"`
}

// Defaults returns the settings written on first start
func Defaults() Settings {
	return Settings{
		ApplicationTitle: "Maintainerr",
		ApplicationURL:   "http://localhost:6246",
		Locale:           "en",
		RulesHandlerCron: "0 0-23/8 * * *",
	}
}

// Service owns the current settings snapshot
type Service struct {
	store     Store
	defaults  Settings
	current   atomic.Pointer[Settings]
	listeners []func(Settings)
	log       *slog.Logger

	// serializes writers; readers only touch current
	mu sync.Mutex
}

// NewService creates a settings service; call Init before use
func NewService(store Store, defaults Settings) *Service {
	s := &Service{
		store:    store,
		defaults: defaults,
		log:      logger.With("component", "settings"),
	}
	d := defaults
	s.current.Store(&d)
	return s
}

// OnChange registers fn to receive every snapshot installed by Update.
// Listeners run in registration order while writers are serialized.
func (s *Service) OnChange(fn func(Settings)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Init loads the persisted settings, creating them from the defaults
// when none exist yet. A missing client id or API key is generated.
func (s *Service) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	loaded := s.defaults
	if len(values) == 0 {
		s.log.Info("settings not found, creating initial settings")
	} else {
		loaded = fromValues(values, s.defaults)
		if err := scheduler.Validate(loaded.RulesHandlerCron); err != nil {
			s.log.Warn("stored rules cron is invalid, using default", "cron", loaded.RulesHandlerCron, "error", err)
			loaded.RulesHandlerCron = s.defaults.RulesHandlerCron
		}
	}

	if len(values) == 0 || loaded.ClientID == "" || loaded.APIKey == "" {
		if loaded.ClientID == "" {
			loaded.ClientID = uuid.NewString()
		}
		if loaded.APIKey == "" {
			loaded.APIKey = GenerateAPIKey()
		}
		loaded.UpdatedAt = time.Now().UTC()
		if err := s.store.Put(ctx, toValues(loaded)); err != nil {
			return fmt.Errorf("failed to create initial settings: %w", err)
		}
	}
	s.current.Store(&loaded)
	return nil
}

// Current returns the active snapshot
func (s *Service) Current() Settings {
	return *s.current.Load()
}

// ValidatePatch checks every value of p without writing anything
func ValidatePatch(p Patch) error {
	if p.RulesHandlerCron != nil {
		if err := scheduler.Validate(strings.TrimSpace(*p.RulesHandlerCron)); err != nil {
			return err
		}
	}
	urls := []struct {
		name  string
		value *string
	}{
		{"applicationUrl", p.ApplicationURL},
		{"catalogUrl", p.CatalogURL},
		{"actionsUrl", p.ActionsURL},
	}
	for _, u := range urls {
		if u.value == nil {
			continue
		}
		if err := validateURL(strings.TrimSpace(*u.value)); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidSettings, u.name, err)
		}
	}
	return nil
}

// validateURL accepts an empty value or an absolute http(s) URL
func validateURL(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q is not an http(s) URL", raw)
	}
	return nil
}

// Update validates the whole patch, persists it in one write, then swaps
// the snapshot and notifies listeners. On error the previous snapshot
// stays active and nothing is written.
func (s *Service) Update(ctx context.Context, p Patch) (Settings, error) {
	if err := ValidatePatch(p); err != nil {
		return s.Current(), err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.current.Load()
	apply := func(dst *string, v *string) {
		if v != nil {
			*dst = strings.TrimSpace(*v)
		}
	}
	apply(&next.ApplicationTitle, p.ApplicationTitle)
	apply(&next.ApplicationURL, p.ApplicationURL)
	apply(&next.Locale, p.Locale)
	apply(&next.RulesHandlerCron, p.RulesHandlerCron)
	apply(&next.CatalogURL, p.CatalogURL)
	apply(&next.ActionsURL, p.ActionsURL)
	apply(&next.MediaAPIKey, p.MediaAPIKey)

	if err := s.commit(ctx, next); err != nil {
		return s.Current(), err
	}
	s.log.Info("settings updated")
	return next, nil
}

// RegenerateAPIKey replaces the API key and returns the new snapshot
func (s *Service) RegenerateAPIKey(ctx context.Context) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *s.current.Load()
	next.APIKey = GenerateAPIKey()
	if err := s.commit(ctx, next); err != nil {
		return s.Current(), err
	}
	s.log.Info("api key regenerated")
	return next, nil
}

// commit writes next, installs it and notifies listeners. Caller holds mu.
func (s *Service) commit(ctx context.Context, next Settings) error {
	next.UpdatedAt = time.Now().UTC()
	if err := s.store.Put(ctx, toValues(next)); err != nil {
		return fmt.Errorf("failed to save settings: %w", err)
	}
	s.current.Store(&next)
	for _, fn := range s.listeners {
		fn(next)
	}
	return nil
}

// GenerateAPIKey returns a new random API key
func GenerateAPIKey() string {
	raw := fmt.Sprintf("%d%s", time.Now().UnixMilli(), uuid.NewString())
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// LoadCron returns the persisted rules handler cadence
func (s *Service) LoadCron(ctx context.Context) (string, error) {
	return s.Current().RulesHandlerCron, nil
}

// SaveCron persists a new rules handler cadence
func (s *Service) SaveCron(ctx context.Context, expr string) error {
	_, err := s.Update(ctx, Patch{RulesHandlerCron: &expr})
	return err
}

func toValues(st Settings) map[string]string {
	return map[string]string{
		KeyClientID:         st.ClientID,
		KeyAPIKey:           st.APIKey,
		KeyApplicationTitle: st.ApplicationTitle,
		KeyApplicationURL:   st.ApplicationURL,
		KeyLocale:           st.Locale,
		KeyRulesCron:        st.RulesHandlerCron,
		KeyCatalogURL:       st.CatalogURL,
		KeyActionsURL:       st.ActionsURL,
		KeyMediaAPIKey:      st.MediaAPIKey,
		KeyUpdatedAt:        st.UpdatedAt.Format(time.RFC3339Nano),
	}
}

// fromValues overlays stored values on the defaults. Empty connection
// settings and cron keep their default.
func fromValues(values map[string]string, defaults Settings) Settings {
	st := defaults
	for key, dst := range map[string]*string{
		KeyClientID:         &st.ClientID,
		KeyAPIKey:           &st.APIKey,
		KeyApplicationTitle: &st.ApplicationTitle,
		KeyApplicationURL:   &st.ApplicationURL,
		KeyLocale:           &st.Locale,
	} {
		if v, ok := values[key]; ok {
			*dst = v
		}
	}
	for key, dst := range map[string]*string{
		KeyRulesCron:   &st.RulesHandlerCron,
		KeyCatalogURL:  &st.CatalogURL,
		KeyActionsURL:  &st.ActionsURL,
		KeyMediaAPIKey: &st.MediaAPIKey,
	} {
		if v, ok := values[key]; ok && v != "" {
			*dst = v
		}
	}
	if v, ok := values[KeyUpdatedAt]; ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			st.UpdatedAt = t
		}
	}
	return st
}
