package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 10*time.Second, cfg.Delivery.ChannelTimeout)
	assert.Equal(t, "@every 5m", cfg.Sweep.Schedule)
	assert.Equal(t, 15*time.Minute, cfg.Sweep.StaleClaimAfter)
	assert.Equal(t, "notification.changes", cfg.RabbitMQ.Queue)
	assert.Equal(t, "notification-deliveries", cfg.Kafka.Topic)
	assert.Equal(t, "hardcoded", cfg.Policy.Engine)
	assert.False(t, cfg.Email.Enabled)
	assert.True(t, cfg.FCM.Enabled)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notifications.yaml")
	yaml := `
store:
  driver: mongo
  mongo_uri: mongodb://localhost:27017/?replicaSet=rs0
delivery:
  channel_timeout: 3s
kafka:
  brokers: [kafka-1:9092, kafka-2:9092]
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("NOTIFY_DELIVERY_CHANNEL_TIMEOUT", "7s")
	t.Setenv("NOTIFY_SWEEP_SCHEDULE", "@every 1m")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mongo", cfg.Store.Driver)
	assert.Equal(t, "mongodb://localhost:27017/?replicaSet=rs0", cfg.Store.MongoURI)
	assert.Equal(t, 7*time.Second, cfg.Delivery.ChannelTimeout)
	assert.Equal(t, "@every 1m", cfg.Sweep.Schedule)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestApplySecrets(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.FCM.CredentialsJSON = "from-file"

	cfg.ApplySecrets(map[string]string{
		"fcm.credentials_json": `{"type":"service_account"}`,
		"auth.jwt_secret":      "jwt",
		"email.api_key":        "",
		"unrelated":            "x",
	})

	assert.Equal(t, `{"type":"service_account"}`, cfg.FCM.CredentialsJSON)
	assert.Equal(t, "jwt", cfg.Auth.JWTSecret)
	assert.Empty(t, cfg.Email.APIKey)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		cfg.Store.PostgresDSN = "postgres://localhost/notifications"
		cfg.FCM.ProjectID = "demo"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "memory store", mutate: func(c *Config) { c.Store.Driver = "memory"; c.Store.PostgresDSN = "" }},
		{name: "unknown driver", mutate: func(c *Config) { c.Store.Driver = "sqlite" }, wantErr: `unknown store.driver "sqlite"`},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Store.PostgresDSN = "" }, wantErr: "store.postgres_dsn"},
		{name: "mongo without uri", mutate: func(c *Config) { c.Store.Driver = "mongo" }, wantErr: "store.mongo_uri"},
		{name: "fcm without project", mutate: func(c *Config) { c.FCM.ProjectID = "" }, wantErr: "fcm.project_id"},
		{name: "email without key", mutate: func(c *Config) { c.Email.Enabled = true }, wantErr: "email.api_key"},
		{name: "bad policy engine", mutate: func(c *Config) { c.Policy.Engine = "casbin" }, wantErr: "policy.engine"},
		{name: "zero timeout", mutate: func(c *Config) { c.Delivery.ChannelTimeout = 0 }, wantErr: "channel_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
