package config

import (
	"fmt"
	"net/url"
	"regexp"
)

var validSSLModes = map[string]struct{}{
	"disable":     {},
	"allow":       {},
	"prefer":      {},
	"require":     {},
	"verify-ca":   {},
	"verify-full": {},
}

var validCollectionName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// Validate checks all configuration values and returns the first violation,
// wrapped around the matching sentinel error.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host must not be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: port %d out of range [1,65535]", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name must not be empty", ErrInvalidPostgresDBName)
	}
	if _, ok := validSSLModes[c.PostgresSSLMode]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}

	if c.QdrantURL != "" {
		u, err := url.Parse(c.QdrantURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: %q", ErrInvalidQdrantURL, c.QdrantURL)
		}
	}

	if c.Embedder.Model == "" {
		return fmt.Errorf("%w: model must not be empty", ErrInvalidEmbedderModel)
	}
	if c.Embedder.Dimension < 1 || c.Embedder.Dimension > 65536 {
		return fmt.Errorf("%w: dimension %d out of range [1,65536]", ErrInvalidEmbedderDimension, c.Embedder.Dimension)
	}

	if c.Retry.InitialInterval < 0 {
		return fmt.Errorf("%w: initial_interval must be >= 0", ErrInvalidRetryPolicy)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("%w: multiplier must be >= 1, got %g", ErrInvalidRetryPolicy, c.Retry.Multiplier)
	}
	if c.Retry.RandomizationFactor < 0 || c.Retry.RandomizationFactor > 1 {
		return fmt.Errorf("%w: randomization_factor must be in [0,1], got %g",
			ErrInvalidRetryPolicy, c.Retry.RandomizationFactor)
	}

	seen := make(map[string]struct{}, len(c.Collections))
	for _, coll := range c.Collections {
		if !validCollectionName.MatchString(coll.Name) {
			return fmt.Errorf("%w: name %q must match %s", ErrInvalidCollection, coll.Name, validCollectionName)
		}
		if _, dup := seen[coll.Name]; dup {
			return fmt.Errorf("%w: duplicate name %q", ErrInvalidCollection, coll.Name)
		}
		seen[coll.Name] = struct{}{}

		if coll.Dimension < 1 {
			return fmt.Errorf("%w: %q has dimension %d", ErrInvalidCollection, coll.Name, coll.Dimension)
		}
		switch coll.Backend {
		case BackendMemory, BackendPostgres, BackendQdrant:
		default:
			return fmt.Errorf("%w: %q has unknown backend %q (must be one of: memory, postgres, qdrant)",
				ErrInvalidCollection, coll.Name, coll.Backend)
		}
	}

	return nil
}
