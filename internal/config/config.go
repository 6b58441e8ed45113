// Package config loads the bridge's runtime configuration from environment
// variables, the same flat-struct-plus-getEnv-helpers shape klistr uses for
// its own Config.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every runtime bridge setting, plus the tunable performance
// constants the ambient stack needs (cache capacities, timeouts, federation
// concurrency).
type Config struct {
	PrimaryDomain   string   // PRIMARY_DOMAIN
	SuperDomain     string   // SUPER_DOMAIN — e.g. "brid.gy"; plugin subdomains live under <abbrev>.<super>
	OtherDomains    []string // OTHER_DOMAINS
	LocalDomains    []string // LOCAL_DOMAINS
	DomainBlocklist []string // DOMAIN_BLOCKLIST
	LimitedDomains  []string // LIMITED_DOMAINS — require a follow before delivering posts

	DatabaseURL string // DATABASE_URL

	ObjectSizeCapBytes int           // OBJECT_SIZE_CAP_BYTES
	RefreshAge         time.Duration // REFRESH_AGE — staleness window before re-fetch (default 30d)

	SeenIDsLRUCapacity    int // SEEN_IDS_LRU_CAPACITY
	ProtocolLRUCapacity   int // PROTOCOL_LRU_CAPACITY
	WebmentionLRUCapacity int // WEBMENTION_LRU_CAPACITY

	FederationConcurrency int  // FEDERATION_CONCURRENCY — loaded but not read; cmd/bridge fixes the task worker count
	TasksInline           bool // TASKS_INLINE — local-development mode (inline task execution)

	HTTPTimeout time.Duration // HTTP_TIMEOUT — loaded but not read; each plugin's HTTP client has its own fixed timeout

	Port string // PORT

	// ─── fed (actor-inbox) plugin ──────────────────────────────────────────
	RSAPrivateKeyPath string // AP_RSA_PRIVATE_KEY_PATH
	RSAPublicKeyPath  string // AP_RSA_PUBLIC_KEY_PATH

	// ─── atproto plugin ─────────────────────────────────────────────────────
	ATProtoIdentifier  string // ATPROTO_IDENTIFIER — service-account handle/email
	ATProtoAppPassword string // ATPROTO_APP_PASSWORD

	// ─── nostr plugin ───────────────────────────────────────────────────────
	NostrPrivateKey string   // NOSTR_PRIVATE_KEY — the bridge's own derivation root
	NostrPublicKey  string   // NOSTR_PUBLIC_KEY
	NostrRelays     []string // NOSTR_RELAYS — read+write relay set

	// TaskDispatcherToken, when set, is the shared secret the httpapi layer
	// requires on the `X-Bridge-Dispatcher-Token` header of /queue/* requests,
	// so that only the task dispatcher can drive those endpoints.
	TaskDispatcherToken string // TASK_DISPATCHER_TOKEN
}

// BaseURL constructs an absolute URL under PrimaryDomain from a path.
func (c *Config) BaseURL(path string) string {
	return strings.TrimRight(c.PrimaryDomain, "/") + path
}

// IsBlocklisted reports whether domain appears in DOMAIN_BLOCKLIST.
func (c *Config) IsBlocklisted(domain string) bool {
	for _, d := range c.DomainBlocklist {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}

// IsLimited reports whether domain appears in LIMITED_DOMAINS.
func (c *Config) IsLimited(domain string) bool {
	for _, d := range c.LimitedDomains {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}

// Load reads configuration from environment variables, applying the same
// sensible-defaults-for-everything-but-the-essentials policy as klistr's
// config.Load.
func Load() *Config {
	return &Config{
		PrimaryDomain:   getEnv("PRIMARY_DOMAIN", "http://localhost:8000"),
		SuperDomain:     getEnv("SUPER_DOMAIN", "brid.gy"),
		OtherDomains:    parseList(os.Getenv("OTHER_DOMAINS")),
		LocalDomains:    parseList(os.Getenv("LOCAL_DOMAINS")),
		DomainBlocklist: parseList(os.Getenv("DOMAIN_BLOCKLIST")),
		LimitedDomains:  parseList(os.Getenv("LIMITED_DOMAINS")),

		DatabaseURL: getEnv("DATABASE_URL", "bridge.db"),

		ObjectSizeCapBytes: parseInt(os.Getenv("OBJECT_SIZE_CAP_BYTES"), 2<<20), // 2MiB

		RefreshAge: parseDuration(os.Getenv("REFRESH_AGE"), 30*24*time.Hour),

		SeenIDsLRUCapacity:    parseInt(os.Getenv("SEEN_IDS_LRU_CAPACITY"), 10_000),
		ProtocolLRUCapacity:   parseInt(os.Getenv("PROTOCOL_LRU_CAPACITY"), 10_000),
		WebmentionLRUCapacity: parseInt(os.Getenv("WEBMENTION_LRU_CAPACITY"), 2_000),

		FederationConcurrency: parseInt(os.Getenv("FEDERATION_CONCURRENCY"), 10),
		TasksInline:           getEnvBool("TASKS_INLINE"),

		HTTPTimeout: parseDuration(os.Getenv("HTTP_TIMEOUT"), 10*time.Second),

		Port: getEnv("PORT", "8000"),

		RSAPrivateKeyPath: getEnv("AP_RSA_PRIVATE_KEY_PATH", "bridge_private.pem"),
		RSAPublicKeyPath:  getEnv("AP_RSA_PUBLIC_KEY_PATH", "bridge_public.pem"),

		ATProtoIdentifier:  os.Getenv("ATPROTO_IDENTIFIER"),
		ATProtoAppPassword: os.Getenv("ATPROTO_APP_PASSWORD"),

		NostrPrivateKey: os.Getenv("NOSTR_PRIVATE_KEY"),
		NostrPublicKey:  os.Getenv("NOSTR_PUBLIC_KEY"),
		NostrRelays:     parseList(os.Getenv("NOSTR_RELAYS")),

		TaskDispatcherToken: os.Getenv("TASK_DISPATCHER_TOKEN"),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "true" || v == "1"
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return i
}
