package offlineagent

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigKeepsDefaults(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "agent.yaml")
	yaml := `
origin: http://localhost:3000
version: v7
cache:
  provider: leveldb
  db: /var/lib/agent
notifications:
  title: Torrents
`
	if err := os.WriteFile(filename, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	config, err := LoadConfig(filename)
	if err != nil {
		t.Fatal(err)
	}
	if config.Origin != "http://localhost:3000" || config.Version != "v7" {
		t.Fatalf("Config is %+v", config)
	}
	if config.Cache.Provider != "leveldb" || config.Cache.DB != "/var/lib/agent" {
		t.Fatalf("Cache config is %+v", config.Cache)
	}
	if config.Notifications.Title != "Torrents" || config.Notifications.Tag != "vibetorrent-notification" {
		t.Fatalf("Notification defaults are %+v", config.Notifications)
	}
	if config.Port != 8080 || config.Prefix != DefaultPrefix || len(config.Manifest) != 5 {
		t.Fatalf("Defaults lost: %+v", config)
	}
	if c := config.Classifier(); len(c.APIPrefixes) != 1 || c.APIPrefixes[0] != "/api/" {
		t.Fatalf("Classifier is %+v", c)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("No error for missing file")
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"VAPID_PUBLIC_KEY":  "pub",
		"VAPID_PRIVATE_KEY": "priv",
		"VAPID_EMAIL":       "ops@example.com",
	}
	config := DefaultFileConfig()
	config.ApplyEnv(func(k string) string { return env[k] })
	if config.Push.VAPIDPublicKey != "pub" || config.Push.VAPIDPrivateKey != "priv" {
		t.Fatalf("Push config is %+v", config.Push)
	}
	if config.Push.Subject != "mailto:ops@example.com" {
		t.Fatalf("Subject is %s", config.Push.Subject)
	}

	config = DefaultFileConfig()
	config.ApplyEnv(func(string) string { return "" })
	if config.Push.Subject == "" {
		t.Fatal("No default subject")
	}
}
