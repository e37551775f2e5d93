package sshd

import (
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/InsulaLabs/onvm/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gossh "golang.org/x/crypto/ssh"
)

func newKey(t *testing.T) gossh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := gossh.NewPublicKey(pub)
	require.NoError(t, err)
	return key
}

func newTestServer(t *testing.T, authorized ...string) (*Server, error) {
	t.Helper()
	dir := t.TempDir()
	return New(Config{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		SSH: config.SSH{
			Enabled:        true,
			Binding:        "127.0.0.1:0",
			HostKeyPath:    filepath.Join(dir, "ssh", "host_ed25519"),
			AuthorizedKeys: authorized,
			DownloadDir:    filepath.Join(dir, "downloads"),
		},
		PublicOrigin: "http://127.0.0.1:8088",
	})
}

func TestAuthenticate_AuthorizedKeys(t *testing.T) {
	allowed := newKey(t)
	other := newKey(t)

	s, err := newTestServer(t, strings.TrimSpace(string(gossh.MarshalAuthorizedKey(allowed)))+" comment@host", "")
	require.NoError(t, err)

	assert.True(t, s.authenticate(nil, allowed))
	assert.False(t, s.authenticate(nil, other))
}

func TestAuthenticate_EmptyListAcceptsAll(t *testing.T) {
	s, err := newTestServer(t)
	require.NoError(t, err)
	assert.True(t, s.authenticate(nil, newKey(t)))
}

func TestNew_RejectsMalformedKey(t *testing.T) {
	_, err := newTestServer(t, "ssh-ed25519 not-base64!!")
	assert.Error(t, err)
}

func TestUnderTmux(t *testing.T) {
	assert.True(t, underTmux([]string{"TERM=screen", "TMUX=/tmp/tmux-0/default,1,0"}))
	assert.False(t, underTmux([]string{"TERM=xterm-256color"}))
}
