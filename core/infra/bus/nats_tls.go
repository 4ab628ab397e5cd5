package bus

import (
	"crypto/tls"

	"github.com/coffer-io/coffer/core/infra/envutil"
)

const (
	envNATSTLSPrefix     = "COFFER_NATS_TLS"
	envNATSTLSCA         = envNATSTLSPrefix + "_CA"
	envNATSTLSCert       = envNATSTLSPrefix + "_CERT"
	envNATSTLSKey        = envNATSTLSPrefix + "_KEY"
	envNATSTLSInsecure   = envNATSTLSPrefix + "_INSECURE"
	envNATSTLSServerName = envNATSTLSPrefix + "_SERVER_NAME"
)

// natsTLSConfigFromEnv builds a TLS config from the environment. Returns nil
// when no TLS settings are present, leaving the connection plaintext.
func natsTLSConfigFromEnv() (*tls.Config, error) {
	return envutil.TLSConfig(envNATSTLSPrefix, nil)
}
