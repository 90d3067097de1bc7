package config

import (
	"os"
	"strings"
	"time"
)

// QBOEnvironment is "sandbox" unless QBO_ENVIRONMENT=production.
func QBOEnvironment() string {
	if strings.EqualFold(strings.TrimSpace(os.Getenv("QBO_ENVIRONMENT")), "production") {
		return "production"
	}
	return "sandbox"
}

// QBOBaseURL can be overridden with QBO_BASE_URL (tests point it at an httptest server).
func QBOBaseURL() string {
	if v := strings.TrimSpace(os.Getenv("QBO_BASE_URL")); v != "" {
		return strings.TrimRight(v, "/")
	}
	if QBOEnvironment() == "production" {
		return "https://quickbooks.api.intuit.com"
	}
	return "https://sandbox-quickbooks.api.intuit.com"
}

func QBOTokenURL() string {
	if v := strings.TrimSpace(os.Getenv("QBO_TOKEN_URL")); v != "" {
		return v
	}
	return "https://oauth.platform.intuit.com/oauth2/v1/tokens/bearer"
}

func QBOAuthURL() string {
	if v := strings.TrimSpace(os.Getenv("QBO_AUTH_URL")); v != "" {
		return v
	}
	return "https://appcenter.intuit.com/connect/oauth2"
}

func QBOClientID() string     { return os.Getenv("QBO_CLIENT_ID") }
func QBOClientSecret() string { return os.Getenv("QBO_CLIENT_SECRET") }
func QBORedirectURL() string  { return os.Getenv("QBO_REDIRECT_URL") }

// QBOWebhookVerifierToken signs intuit-signature headers.
func QBOWebhookVerifierToken() string { return os.Getenv("QBO_WEBHOOK_VERIFIER_TOKEN") }

func QBOMinorVersion() string {
	if v := strings.TrimSpace(os.Getenv("QBO_MINOR_VERSION")); v != "" {
		return v
	}
	return "75"
}

// QBODefaultItemRef is used on invoice lines when no synced GL account is linked.
func QBODefaultItemRef() string {
	if v := strings.TrimSpace(os.Getenv("QBO_DEFAULT_ITEM_REF")); v != "" {
		return v
	}
	return "1"
}

// QBODefaultExpenseAccountRef is used on bill lines when no synced GL account is linked.
func QBODefaultExpenseAccountRef() string {
	if v := strings.TrimSpace(os.Getenv("QBO_DEFAULT_EXPENSE_ACCOUNT_REF")); v != "" {
		return v
	}
	return "7"
}

func StripeBaseURL() string {
	if v := strings.TrimSpace(os.Getenv("STRIPE_BASE_URL")); v != "" {
		return strings.TrimRight(v, "/")
	}
	return "https://api.stripe.com"
}

func StripeSecretKey() string { return os.Getenv("STRIPE_SECRET_KEY") }

// StripeWebhookSecrets returns the platform and Connect signing secrets, skipping empty ones.
func StripeWebhookSecrets() []string {
	var out []string
	for _, key := range []string{"STRIPE_WEBHOOK_SECRET", "STRIPE_CONNECT_WEBHOOK_SECRET"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// ProviderTimeout bounds every outbound provider call.
func ProviderTimeout() time.Duration {
	return time.Duration(intFromEnv("PROVIDER_TIMEOUT_SECONDS", 15)) * time.Second
}

// SyncStaleAfter is how long a pending claim blocks another sync of the same entity.
func SyncStaleAfter() time.Duration {
	return time.Duration(intFromEnv("SYNC_STALE_SECONDS", 60)) * time.Second
}

// ReferenceCacheTTL bounds how long badge lookups are served from redis.
func ReferenceCacheTTL() time.Duration {
	return time.Duration(intFromEnv("REFERENCE_CACHE_TTL_SECONDS", 30)) * time.Second
}

func SyncTopic() string { return os.Getenv("PUBSUB_SYNC_TOPIC") }

// JWTSecret signs session tokens issued by the portal.
func JWTSecret() string { return os.Getenv("JWT_SECRET") }

func SkipMigrations() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// MigratePortalTables also creates the portal's record tables; local development only.
func MigratePortalTables() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("MIGRATE_PORTAL_TABLES")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// QBODefaultBankAccountRef funds bill payments.
func QBODefaultBankAccountRef() string {
	if v := strings.TrimSpace(os.Getenv("QBO_DEFAULT_BANK_ACCOUNT_REF")); v != "" {
		return v
	}
	return "35"
}

// PhoneRegion is the region assumed for phone numbers without a country code.
func PhoneRegion() string {
	if v := strings.TrimSpace(os.Getenv("PHONE_DEFAULT_REGION")); v != "" {
		return strings.ToUpper(v)
	}
	return "US"
}

// TokenRefreshInterval is how often the service renews expiring QBO tokens; 0 disables the loop.
func TokenRefreshInterval() time.Duration {
	return time.Duration(intFromEnv("TOKEN_REFRESH_INTERVAL_SECONDS", 300)) * time.Second
}
