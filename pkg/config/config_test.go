package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("IDENTITY_TOKEN", "token")
	t.Setenv("JWT_SECRET", "secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Signaling.Backend)
	assert.Equal(t, 8085, cfg.Server.Port)
	assert.Equal(t, time.Duration(0), cfg.Call.RingTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Call.StaleRecordAge)
	assert.Equal(t, "chats", cfg.Firestore.Collection)
	require.Len(t, cfg.ICE.Servers, 1)
	assert.Equal(t, []string{"stun:stun1.l.google.com:19302", "stun:stun2.l.google.com:19302"}, cfg.ICE.Servers[0].URLs)
}

func TestLoad_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SIGNALING_BACKEND", "Redis")
	t.Setenv("CALL_WATCH_PEERS", "alice, bob,,carol")
	t.Setenv("CALL_RING_TIMEOUT", "45s")
	t.Setenv("CALL_STALE_RECORD_AGE", "5m")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, BackendRedis, cfg.Signaling.Backend)
	assert.Equal(t, []string{"alice", "bob", "carol"}, cfg.Call.WatchPeers)
	assert.Equal(t, 45*time.Second, cfg.Call.RingTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Call.StaleRecordAge)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.AllowedOrigins)
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "unknown backend", env: map[string]string{"SIGNALING_BACKEND": "etcd"}},
		{name: "firestore without project", env: map[string]string{"SIGNALING_BACKEND": "firestore"}},
		{name: "push without project", env: map[string]string{"PUSH_ENABLED": "true"}},
		{name: "short secret in production", env: map[string]string{"ENV": "production"}},
		{name: "turn without credentials", env: map[string]string{"TURN_URLS": "turn:turn.example.com:3478"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingIdentity(t *testing.T) {
	t.Setenv("IDENTITY_TOKEN", "")
	t.Setenv("JWT_SECRET", "secret")

	_, err := Load()
	assert.Error(t, err)
}

func TestParseICEServersJSON(t *testing.T) {
	servers, err := ParseICEServersJSON(`[
		{"urls": "stun:stun.example.com:3478"},
		{"urls": ["turn:turn.example.com:3478", " turns:turn.example.com:5349 "], "username": "u", "credential": "p"}
	]`)
	require.NoError(t, err)
	require.Len(t, servers, 2)

	assert.Equal(t, []string{"stun:stun.example.com:3478"}, servers[0].URLs)
	assert.Equal(t, []string{"turn:turn.example.com:3478", "turns:turn.example.com:5349"}, servers[1].URLs)
	assert.Equal(t, "u", servers[1].Username)
	assert.Equal(t, "p", servers[1].Credential)
}

func TestParseICEServersJSON_Invalid(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`[{"urls": []}]`,
		`[{"urls": "http://example.com"}]`,
		`[{"urls": "turn:turn.example.com"}]`,
	} {
		_, err := ParseICEServersJSON(raw)
		assert.Error(t, err, raw)
	}
}

func TestParseICEServers(t *testing.T) {
	servers, err := ParseICEServers("stun:a:3478", "turn:b:3478", "user", "pass")
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, "user", servers[1].Username)

	servers, err = ParseICEServers("", "", "", "")
	require.NoError(t, err)
	assert.Empty(t, servers)
}
