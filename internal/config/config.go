// Package config loads the verifier configuration once at startup.
package config

import (
	"encoding/base64"
	"net/url"
	"strings"

	"github.com/kokukuma/oid4vp-verifier/clientid"
	"github.com/kokukuma/oid4vp-verifier/internal/cryptoroot"
	"github.com/kokukuma/oid4vp-verifier/internal/kv"
	"github.com/kokukuma/oid4vp-verifier/pkg/jose"
	"github.com/kokukuma/oid4vp-verifier/pkg/pki"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "OID4VP"

type ExpiredIn struct {
	RequestAtVerifier         int64 `mapstructure:"expired-in-request-at-verifier"`
	RequestAtResponseEndpoint int64 `mapstructure:"expired-in-request-at-response-endpoint"`
	Response                  int64 `mapstructure:"expired-in-response"`
	PostSession               int64 `mapstructure:"expired-in-post-session"`
}

type Store struct {
	Backend   string `mapstructure:"store-backend"`
	RedisAddr string `mapstructure:"redis-addr"`
	RedisDB   int    `mapstructure:"redis-db"`
	KeyPrefix string `mapstructure:"redis-key-prefix"`
	BoltPath  string `mapstructure:"bolt-path"`
}

// Config is read-only after Load.
type Config struct {
	ListenAddr   string   `mapstructure:"listen-addr"`
	CORSOrigins  []string `mapstructure:"cors-origins"`
	CookieSecure bool     `mapstructure:"cookie-secure"`
	LogLevel     string   `mapstructure:"log-level"`
	LogJSON      bool     `mapstructure:"log-json"`

	ClientID          string `mapstructure:"client-id"`
	ClientIDScheme    string `mapstructure:"client-id-scheme"`
	AuthorizeEndpoint string `mapstructure:"authorize-endpoint"`
	RequestURI        string `mapstructure:"request-uri"`
	ResponseURI       string `mapstructure:"response-uri"`
	RedirectURI       string `mapstructure:"redirect-uri"`
	EnableEncryption  bool   `mapstructure:"enable-encryption"`

	SignerKeyFile string `mapstructure:"signer-key"`
	X5CFile       string `mapstructure:"x5c"`
	X5U           string `mapstructure:"x5u"`
	// DevCertDir holds a generated root for x509_san_dns when no signer key
	// is configured.
	DevCertDir string `mapstructure:"dev-cert-dir"`

	ClientName string `mapstructure:"client-name"`
	LogoURI    string `mapstructure:"logo-uri"`
	PolicyURI  string `mapstructure:"policy-uri"`
	TosURI     string `mapstructure:"tos-uri"`

	TrustedCertDir string `mapstructure:"trusted-cert-dir"`
	AdminUsername  string `mapstructure:"admin-username"`
	AdminPassword  string `mapstructure:"admin-password"`

	ExpiredIn ExpiredIn `mapstructure:",squash"`
	Store     Store     `mapstructure:",squash"`
}

var defaults = map[string]interface{}{
	"listen-addr":        ":8080",
	"cors-origins":       []string{"*"},
	"cookie-secure":      false,
	"log-level":          "info",
	"log-json":           false,
	"client-id":          "",
	"client-id-scheme":   "",
	"authorize-endpoint": "openid4vp://",
	"request-uri":        "",
	"response-uri":       "",
	"redirect-uri":       "",
	"enable-encryption":  false,
	"signer-key":         "",
	"x5c":                "",
	"x5u":                "",
	"dev-cert-dir":       "",
	"client-name":        "",
	"logo-uri":           "",
	"policy-uri":         "",
	"tos-uri":            "",
	"trusted-cert-dir":   "",
	"admin-username":     "",
	"admin-password":     "",

	"expired-in-request-at-verifier":          600,
	"expired-in-request-at-response-endpoint": 600,
	"expired-in-response":                     600,
	"expired-in-post-session":                 600,

	"store-backend":    kv.BackendMemory,
	"redis-addr":       "",
	"redis-db":         0,
	"redis-key-prefix": "oid4vp:",
	"bolt-path":        "",
}

// NewViper returns a viper that reads OID4VP_* variables, with dashes in
// keys mapped to underscores.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	return v
}

func Load(v *viper.Viper) (*Config, error) {
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	// comma separated values from the environment arrive as one element
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func (c *Config) validate() error {
	if c.ClientID == "" {
		return errors.New("client-id is required")
	}
	prefix := clientid.RedirectURI
	if parsed := clientid.Parse(c.ClientID); parsed != nil {
		prefix = parsed.Prefix
	}
	if c.ClientIDScheme == "" {
		c.ClientIDScheme = string(prefix)
	}

	if c.ResponseURI == "" {
		return errors.New("response-uri is required")
	}
	if _, err := url.ParseRequestURI(c.ResponseURI); err != nil {
		return errors.Wrap(err, "invalid response-uri")
	}
	if c.Signed() {
		if c.RequestURI == "" {
			return errors.Errorf("request-uri is required for %s", c.ClientIDScheme)
		}
		if c.SignerKeyFile == "" && c.DevCertDir == "" {
			return errors.Errorf("signer-key or dev-cert-dir is required for %s", c.ClientIDScheme)
		}
		if c.SignerKeyFile != "" && c.X5CFile == "" {
			return errors.New("x5c is required with signer-key")
		}
		if c.SignerKeyFile == "" && c.ClientIDScheme != string(clientid.X509SanDNS) {
			return errors.Errorf("dev-cert-dir only supports %s", clientid.X509SanDNS)
		}
	}

	for name, v := range map[string]int64{
		"expired-in-request-at-verifier":          c.ExpiredIn.RequestAtVerifier,
		"expired-in-request-at-response-endpoint": c.ExpiredIn.RequestAtResponseEndpoint,
		"expired-in-response":                     c.ExpiredIn.Response,
		"expired-in-post-session":                 c.ExpiredIn.PostSession,
	} {
		if v <= 0 {
			return errors.Errorf("%s must be positive", name)
		}
	}

	switch c.Store.Backend {
	case kv.BackendMemory:
	case kv.BackendRedis:
		if c.Store.RedisAddr == "" {
			return errors.New("redis-addr is required for the redis store")
		}
	case kv.BackendBolt:
		if c.Store.BoltPath == "" {
			return errors.New("bolt-path is required for the bolt store")
		}
	default:
		return errors.Errorf("unknown store-backend %q", c.Store.Backend)
	}
	return nil
}

// Signed reports whether requests are passed by reference as signed JWTs.
func (c *Config) Signed() bool {
	switch c.ClientIDScheme {
	case string(clientid.X509SanDNS), string(clientid.X509Hash), "x509_san_uri":
		return true
	}
	return false
}

// ResponsePath is the path of ResponseURI served by this process.
func (c *Config) ResponsePath() string {
	u, err := url.Parse(c.ResponseURI)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}

func (c *Config) KVOptions() kv.Options {
	return kv.Options{
		Backend:   c.Store.Backend,
		RedisAddr: c.Store.RedisAddr,
		RedisDB:   c.Store.RedisDB,
		KeyPrefix: c.Store.KeyPrefix,
		BoltPath:  c.Store.BoltPath,
	}
}

type Signer struct {
	Key jwk.Key
	X5C []string
}

// LoadSigner reads the request object signing key and its chain. It returns
// nil for unsigned schemes.
func (c *Config) LoadSigner() (*Signer, error) {
	if !c.Signed() {
		return nil, nil
	}

	if c.SignerKeyFile == "" {
		id := clientid.Parse(c.ClientID)
		if id == nil {
			return nil, errors.Errorf("client-id %q has no prefix", c.ClientID)
		}
		chain, err := cryptoroot.LoadOrCreateChain(c.DevCertDir, id.Value)
		if err != nil {
			return nil, errors.Wrap(err, "failed to prepare development chain")
		}
		key, err := jose.KeyFromRaw(chain.LeafKey)
		if err != nil {
			return nil, err
		}
		return &Signer{Key: key, X5C: chain.X5C()}, nil
	}

	raw, err := pki.LoadPrivateKey(c.SignerKeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load signer-key")
	}
	key, err := jose.KeyFromRaw(raw)
	if err != nil {
		return nil, err
	}
	certs, err := pki.ReadCertificateFile(c.X5CFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load x5c")
	}
	x5c := make([]string, 0, len(certs))
	for _, cert := range certs {
		x5c = append(x5c, base64.StdEncoding.EncodeToString(cert.Raw))
	}
	return &Signer{Key: key, X5C: x5c}, nil
}
