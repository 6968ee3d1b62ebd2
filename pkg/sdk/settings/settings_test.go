package settings

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name string
		s    Settings
		want error
	}{
		{"missing endpoint", Settings{APIKey: "k"}, ErrMissingEndpoint},
		{"missing key", Settings{Endpoint: "http://x"}, ErrMissingAPIKey},
		{"ok", Settings{Endpoint: "http://x", APIKey: "k"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.s.Validate(), tt.want)
		})
	}

	assert.False(t, Settings{Endpoint: "http://x", APIKey: "k"}.Online())
	assert.True(t, Settings{Endpoint: "http://x", APIKey: "k", Enabled: true}.Online())
	assert.False(t, Settings{Enabled: true}.Online())
}

func TestStatic_KeepsLatestUnread(t *testing.T) {
	p := NewStatic(Settings{})
	p.Set(Settings{Endpoint: "a"})
	p.Set(Settings{Endpoint: "b"})

	assert.Equal(t, "b", p.Current().Endpoint)
	got := <-p.Changes()
	assert.Equal(t, "b", got.Endpoint)
	select {
	case s := <-p.Changes():
		t.Fatalf("unexpected extra change %+v", s)
	default:
	}
}

func TestFileProvider_MissingFileIsDisabled(t *testing.T) {
	p, err := NewFileProvider(filepath.Join(t.TempDir(), "sync.yaml"))
	require.NoError(t, err)
	assert.False(t, p.Current().Enabled)
	assert.ErrorIs(t, p.Current().Validate(), ErrMissingEndpoint)
}

func TestFileProvider_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("endpoint: [unterminated"), 0o600))

	_, err := NewFileProvider(path)
	require.Error(t, err)
}

func TestFileProvider_PublishesEdits(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.yaml")
	p, err := NewFileProvider(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Watch(ctx))
	defer p.Close()

	want := Settings{Endpoint: "http://localhost:8080", APIKey: "k", Enabled: true}
	require.NoError(t, p.Save(want))

	select {
	case got := <-p.Changes():
		assert.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatal("no settings change published")
	}
	assert.Equal(t, want, p.Current())
}

func TestLoadOrCreateClientID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id", "client_id")

	first, err := LoadOrCreateClientID(path)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := LoadOrCreateClientID(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o600))
	third, err := LoadOrCreateClientID(path)
	require.NoError(t, err)
	assert.NotEqual(t, "garbage", third)
}
