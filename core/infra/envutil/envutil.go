// Package envutil reads operator settings from the environment: truthy
// flags, address lists and the prefixed TLS material shared by the Redis
// and NATS clients.
package envutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
)

// Bool interprets the usual truthy spellings; anything else is false.
func Bool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}

// List splits an env value on commas and whitespace, dropping empties.
func List(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if v := strings.TrimSpace(f); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// TLSConfig overlays <prefix>_CA, _CERT, _KEY, _SERVER_NAME and _INSECURE
// onto base. With none of them set it returns base unchanged, which keeps
// plaintext connections plaintext.
func TLSConfig(prefix string, base *tls.Config) (*tls.Config, error) {
	caPath := trimmedEnv(prefix + "_CA")
	certPath := trimmedEnv(prefix + "_CERT")
	keyPath := trimmedEnv(prefix + "_KEY")
	serverName := trimmedEnv(prefix + "_SERVER_NAME")
	insecure := Bool(os.Getenv(prefix + "_INSECURE"))

	if caPath == "" && certPath == "" && keyPath == "" && serverName == "" && !insecure {
		return base, nil
	}

	cfg := &tls.Config{}
	if base != nil {
		cfg = base.Clone()
	}
	if serverName != "" {
		cfg.ServerName = serverName
	}
	if insecure {
		cfg.InsecureSkipVerify = true
	}

	if caPath != "" {
		pemBytes, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read %s_CA: %w", prefix, err)
		}
		pool := cfg.RootCAs
		if pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pemBytes) {
			return nil, fmt.Errorf("no certificates in %s", caPath)
		}
		cfg.RootCAs = pool
	}

	if certPath != "" || keyPath != "" {
		if certPath == "" || keyPath == "" {
			return nil, fmt.Errorf("%s_CERT and %s_KEY must be set together", prefix, prefix)
		}
		pair, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load client keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}

	return cfg, nil
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
