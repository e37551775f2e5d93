// Package sshd serves the explorer TUI over SSH.
package sshd

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/InsulaLabs/onvm/internal/blob"
	"github.com/InsulaLabs/onvm/internal/config"
	"github.com/InsulaLabs/onvm/internal/events"
	"github.com/InsulaLabs/onvm/internal/explorer"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	"github.com/charmbracelet/wish/activeterm"
	"github.com/charmbracelet/wish/bubbletea"
	"github.com/charmbracelet/wish/logging"
	"github.com/pkg/errors"
	gossh "golang.org/x/crypto/ssh"
)

type Config struct {
	Logger       *slog.Logger
	SSH          config.SSH
	Resolver     blob.Resolver
	PublicOrigin string
}

type Server struct {
	logger     *slog.Logger
	cfg        Config
	authorized map[string]struct{}
	srv        *ssh.Server
}

func New(cfg Config) (*Server, error) {
	s := &Server{
		logger:     cfg.Logger.WithGroup("sshd"),
		cfg:        cfg,
		authorized: make(map[string]struct{}, len(cfg.SSH.AuthorizedKeys)),
	}

	for _, line := range cfg.SSH.AuthorizedKeys {
		if strings.TrimSpace(line) == "" {
			continue
		}
		key, _, _, _, err := gossh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			return nil, errors.Wrapf(err, "parse authorized key %q", line)
		}
		s.authorized[authorizedKeyString(key)] = struct{}{}
	}
	if len(s.authorized) == 0 {
		s.logger.Warn("No authorized keys configured, any public key may connect")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.SSH.HostKeyPath), 0o700); err != nil {
		return nil, errors.Wrap(err, "create host key dir")
	}

	srv, err := wish.NewServer(
		wish.WithAddress(cfg.SSH.Binding),
		wish.WithHostKeyPath(cfg.SSH.HostKeyPath),
		wish.WithPublicKeyAuth(func(ctx ssh.Context, key ssh.PublicKey) bool {
			return s.authenticate(ctx, key)
		}),

		ssh.AllocatePty(),

		wish.WithMiddleware(
			bubbletea.Middleware(s.newSession),
			activeterm.Middleware(),
			logging.Middleware(),
		),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create ssh server")
	}
	s.srv = srv
	return s, nil
}

func authorizedKeyString(key gossh.PublicKey) string {
	return strings.TrimSpace(string(gossh.MarshalAuthorizedKey(key)))
}

func (s *Server) authenticate(ctx ssh.Context, key ssh.PublicKey) bool {
	fingerprint := gossh.FingerprintSHA256(key)
	if len(s.authorized) == 0 {
		s.logger.Debug("SSH key accepted", "fingerprint", fingerprint)
		return true
	}
	if _, ok := s.authorized[authorizedKeyString(key)]; !ok {
		s.logger.Debug("SSH authentication failed: key not authorized", "fingerprint", fingerprint)
		return false
	}
	s.logger.Info("SSH user authenticated", "fingerprint", fingerprint)
	return true
}

// newSession gives every connection its own bus and clipboard so
// notifications and copies stay with the terminal that caused them.
func (s *Server) newSession(sess ssh.Session) (tea.Model, []tea.ProgramOption) {
	s.logger.Info("New session", "remote_addr", sess.RemoteAddr(), "user", sess.User())

	bus := events.NewPubSub(events.Config{Topics: events.DefaultTopics})
	model, err := explorer.New(explorer.Config{
		Logger:       s.logger.With("remote_addr", sess.RemoteAddr().String()),
		Context:      sess.Context(),
		Resolver:     s.cfg.Resolver,
		PublicOrigin: s.cfg.PublicOrigin,
		Bus:          bus,
		Clipboard:    explorer.OSC52Clipboard{Out: sess, Tmux: underTmux(sess.Environ())},
		DownloadDir:  s.cfg.SSH.DownloadDir,
	})
	if err != nil {
		s.logger.Error("Could not create explorer session", "error", err)
		return nil, nil
	}

	return model, []tea.ProgramOption{
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	}
}

func underTmux(environ []string) bool {
	for _, kv := range environ {
		if strings.HasPrefix(kv, "TMUX=") {
			return true
		}
	}
	return false
}

func (s *Server) Addr() string {
	return s.cfg.SSH.Binding
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("Starting SSH server", "address", s.cfg.SSH.Binding)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, ssh.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
