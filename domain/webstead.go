package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultBaseDomain is the parent domain websteads without a custom domain live under.
const DefaultBaseDomain = "webstead.dev"

// Settings keys read by the federation core.
const (
	SettingDisplayName = "display_name"
	SettingBio         = "bio"
)

var (
	ErrSubdomainLength   = errors.New("subdomain must be between 3 and 63 characters")
	ErrSubdomainFormat   = errors.New("subdomain must start and end with alphanumeric, contain only lowercase letters, numbers, and hyphens")
	ErrSubdomainReserved = errors.New("subdomain is reserved")
	ErrCustomDomain      = errors.New("custom domain must be a valid domain name")
)

var (
	subdomainPattern    = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*[a-z0-9]$`)
	customDomainPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]*[a-z0-9]$`)
)

// ReservedSubdomains cannot be registered as webstead handles.
var ReservedSubdomains = []string{
	"www", "api", "admin", "app", "dashboard", "blog", "forum", "mail", "email",
	"ftp", "ssh", "git", "status", "help", "support", "docs", "wiki", "assets",
	"cdn", "static", "media", "images", "uploads", "files", "download",
	"staging", "dev", "test", "development", "production",
}

// Webstead is a local federation identity. Its subdomain doubles as the
// federation handle.
type Webstead struct {
	Id            uuid.UUID
	Subdomain     string
	CustomDomain  string
	PrivateKeyPem string
	PublicKeyPem  string
	Settings      map[string]string
	CreatedAt     time.Time
}

func (w *Webstead) Handle() string {
	return w.Subdomain
}

// PrimaryDomain is the custom domain when set, otherwise {subdomain}.{baseDomain}.
func (w *Webstead) PrimaryDomain(baseDomain string) string {
	if w.CustomDomain != "" {
		return w.CustomDomain
	}
	if baseDomain == "" {
		baseDomain = DefaultBaseDomain
	}
	return fmt.Sprintf("%s.%s", w.Subdomain, baseDomain)
}

func (w *Webstead) URL(baseDomain string) string {
	return "https://" + w.PrimaryDomain(baseDomain)
}

func (w *Webstead) ActorURI(baseDomain string) string {
	return w.URL(baseDomain) + "/actor"
}

// DisplayName falls back to the handle when no display name is configured.
func (w *Webstead) DisplayName() string {
	if name := strings.TrimSpace(w.Settings[SettingDisplayName]); name != "" {
		return name
	}
	return w.Subdomain
}

func (w *Webstead) Bio() string {
	return w.Settings[SettingBio]
}

func (w *Webstead) HasKeypair() bool {
	return w.PrivateKeyPem != ""
}

func (w *Webstead) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tSubdomain: %s \n\tCustomDomain: %s \n\tCREATED_AT: %s)", w.Id, w.Subdomain, w.CustomDomain, w.CreatedAt)
}

// NormalizeSubdomain lower-cases and trims a requested handle.
func NormalizeSubdomain(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidateSubdomain checks a normalized subdomain against the naming rules.
func ValidateSubdomain(s string) error {
	if len(s) < 3 || len(s) > 63 {
		return ErrSubdomainLength
	}
	if !subdomainPattern.MatchString(s) {
		return ErrSubdomainFormat
	}
	for _, reserved := range ReservedSubdomains {
		if s == reserved {
			return ErrSubdomainReserved
		}
	}
	return nil
}

// ValidateCustomDomain accepts an empty value (no custom domain).
func ValidateCustomDomain(d string) error {
	if d == "" {
		return nil
	}
	if len(d) > 253 || !customDomainPattern.MatchString(d) {
		return ErrCustomDomain
	}
	return nil
}
