package sidecar

import (
	corev1 "k8s.io/api/core/v1"

	"github.com/khurtado/reana-job-controller/internal/config"
)

// Config holds the Kerberos sidecar settings.
type Config struct {
	Image           string // credential-refresh container image
	ConfigMapName   string // config map carrying krb5.conf
	Principal       string // e.g. user@EXAMPLE.ORG
	KeytabPath      string // keytab path inside the sidecar, usually a mounted secret
	TicketCacheDir  string
	TicketCacheFile string
	// ExtraMounts are added to the sidecar container only, typically the
	// secrets volume carrying the keytab.
	ExtraMounts []corev1.VolumeMount
}

// LoadConfigFromEnv loads sidecar configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		Image:           config.GetEnv("KRB5_CONTAINER_IMAGE", ""),
		ConfigMapName:   config.GetEnv("KRB5_CONFIGMAP_NAME", "krb5-config"),
		Principal:       config.GetEnv("KRB5_PRINCIPAL", ""),
		KeytabPath:      config.GetEnv("KRB5_KEYTAB_PATH", ""),
		TicketCacheDir:  config.GetEnv("KRB5_TOKEN_CACHE_DIR", "/tmp/krb5"),
		TicketCacheFile: config.GetEnv("KRB5_TOKEN_CACHE_FILE", "krb5cc"),
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.TicketCacheDir == "" {
		c.TicketCacheDir = "/tmp/krb5"
	}
	if c.TicketCacheFile == "" {
		c.TicketCacheFile = "krb5cc"
	}
	if c.ConfigMapName == "" {
		c.ConfigMapName = "krb5-config"
	}
	return c
}
