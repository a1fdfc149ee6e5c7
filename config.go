package offlineagent

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/always-cache/offline-agent/notify"
	"github.com/always-cache/offline-agent/pkg/route"
)

// DefaultManifest is the app shell pre-cached at install.
var DefaultManifest = []string{
	"/",
	"/index.html",
	"/manifest.json",
	"/icon-192.png",
	"/icon-512.png",
}

const DefaultPrefix = "vibetorrent-"

// FileConfig is the YAML configuration of the agent binary.
type FileConfig struct {
	Origin         string          `yaml:"origin"`
	Host           string          `yaml:"host"`
	Port           int             `yaml:"port"`
	Version        string          `yaml:"version"`
	Prefix         string          `yaml:"prefix"`
	Manifest       []string        `yaml:"manifest"`
	APIPrefixes    []string        `yaml:"apiPrefixes"`
	EntryDocuments []string        `yaml:"entryDocuments"`
	Cache          CacheConfig     `yaml:"cache"`
	Notifications  notify.Defaults `yaml:"notifications"`
	Push           PushConfig      `yaml:"push"`
}

type CacheConfig struct {
	// memory, sqlite or leveldb
	Provider string `yaml:"provider"`
	// SQLite file or LevelDB directory
	DB string `yaml:"db"`
}

type PushConfig struct {
	VAPIDPublicKey  string `yaml:"vapidPublicKey"`
	VAPIDPrivateKey string `yaml:"vapidPrivateKey"`
	// mailto: or https: contact of the sender
	Subject string `yaml:"subject"`
	TTL     int    `yaml:"ttl"`
	// SQLite file for subscriptions; in-memory if empty
	DB string `yaml:"db"`
}

func DefaultFileConfig() FileConfig {
	classifier := route.DefaultClassifier()
	return FileConfig{
		Port:           8080,
		Version:        "v1",
		Prefix:         DefaultPrefix,
		Manifest:       append([]string(nil), DefaultManifest...),
		APIPrefixes:    classifier.APIPrefixes,
		EntryDocuments: classifier.EntryDocuments,
		Cache: CacheConfig{
			Provider: "sqlite",
			DB:       "cache.db",
		},
		Notifications: notify.DefaultDefaults(),
	}
}

// LoadConfig reads the YAML file on top of the defaults.
func LoadConfig(filename string) (FileConfig, error) {
	config := DefaultFileConfig()
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}

// ApplyEnv fills push settings from VAPID_PUBLIC_KEY, VAPID_PRIVATE_KEY and VAPID_EMAIL.
func (c *FileConfig) ApplyEnv(getenv func(string) string) {
	if v := getenv("VAPID_PUBLIC_KEY"); v != "" {
		c.Push.VAPIDPublicKey = v
	}
	if v := getenv("VAPID_PRIVATE_KEY"); v != "" {
		c.Push.VAPIDPrivateKey = v
	}
	if v := getenv("VAPID_EMAIL"); v != "" {
		c.Push.Subject = "mailto:" + v
	}
	if c.Push.Subject == "" {
		c.Push.Subject = "mailto:admin@example.com"
	}
}

// Classifier returns the route classifier of the configuration.
func (c FileConfig) Classifier() route.Classifier {
	return route.Classifier{
		APIPrefixes:    c.APIPrefixes,
		EntryDocuments: c.EntryDocuments,
	}
}
