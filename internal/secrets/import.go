package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"coordination-core/internal/models"
)

// EnvSecret names an environment variable to move into the store.
type EnvSecret struct {
	Name string
	Type models.SecretType
}

// DefaultEnvSecrets are the variables applications historically kept in the
// environment.
var DefaultEnvSecrets = []EnvSecret{
	{Name: "JWT_SECRET", Type: models.SecretJWT},
	{Name: "NEXTAUTH_SECRET", Type: models.SecretJWT},
	{Name: "ENCRYPTION_KEY", Type: models.SecretEncryption},
	{Name: "LICENSE_ENCRYPTION_KEY", Type: models.SecretEncryption},
	{Name: "WEBHOOK_SECRET", Type: models.SecretWebhook},
	{Name: "STRIPE_SECRET_KEY", Type: models.SecretAPIKey},
	{Name: "STRIPE_WEBHOOK_SECRET", Type: models.SecretWebhook},
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(string) (string, bool)

type ImportResult struct {
	Imported []string
	Skipped  []string
}

// usable rejects unset values and template placeholders.
func usable(value string) bool {
	return value != "" && !strings.Contains(value, "YOUR_") && !strings.Contains(value, "PLACEHOLDER")
}

// ImportFromEnv stores each set, non-placeholder variable as version 1 of a
// secret with the same name. Keys that already have an active version are
// skipped. Failures do not stop the import; they are joined into the error.
func (m *Manager) ImportFromEnv(ctx context.Context, vars []EnvSecret, lookup LookupFunc) (ImportResult, error) {
	var res ImportResult
	var errs []error
	for _, ev := range vars {
		value, ok := lookup(ev.Name)
		if !ok || !usable(value) {
			continue
		}
		_, err := m.Store(ctx, StoreParams{
			KeyName: ev.Name,
			Value:   value,
			Type:    ev.Type,
			Metadata: map[string]any{
				"migrated_from": "env",
				"migrated_at":   time.Now().UTC().Format(time.RFC3339),
			},
		})
		switch {
		case errors.Is(err, ErrSecretExists):
			res.Skipped = append(res.Skipped, ev.Name)
		case err != nil:
			m.log.Error().Err(err).Str("key_name", ev.Name).Msg("import from env failed")
			errs = append(errs, fmt.Errorf("%s: %w", ev.Name, err))
		default:
			res.Imported = append(res.Imported, ev.Name)
		}
	}
	return res, errors.Join(errs...)
}

// GetOrEnv reads keyName from the store and falls back to the environment
// variable of the same name when no active version exists.
func (m *Manager) GetOrEnv(ctx context.Context, keyName string, lookup LookupFunc) (string, bool, error) {
	value, found, err := m.Get(ctx, keyName, true)
	if err != nil || found {
		return value, found, err
	}
	if v, ok := lookup(keyName); ok && usable(v) {
		return v, true, nil
	}
	return "", false, nil
}
