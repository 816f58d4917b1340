package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/openfroyo/goalflow/pkg/goal"
)

// AuthMethod selects how the SFTP store authenticates.
type AuthMethod string

const (
	// AuthMethodPassword uses password and keyboard-interactive authentication.
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses a private key file.
	AuthMethodKey AuthMethod = "key"

	// AuthMethodAgent uses the agent listening on SSH_AUTH_SOCK.
	AuthMethodAgent AuthMethod = "agent"
)

// SFTPConfig holds the connection settings of an SFTP archive store.
type SFTPConfig struct {
	// Host is the remote hostname or IP address.
	Host string `yaml:"host" json:"host" validate:"required"`

	// Port is the SSH port, defaults to 22.
	Port int `yaml:"port" json:"port" validate:"gte=0,lte=65535"`

	// User is the SSH username.
	User string `yaml:"user" json:"user" validate:"required"`

	// AuthMethod is password, key or agent, defaults to key.
	AuthMethod AuthMethod `yaml:"auth_method" json:"auth_method" validate:"omitempty,oneof=password key agent"`

	// Password for password authentication.
	Password string `yaml:"password,omitempty" json:"password,omitempty"`

	// PrivateKeyPath is the private key file for key authentication.
	PrivateKeyPath string `yaml:"private_key_path,omitempty" json:"private_key_path,omitempty"`

	// PrivateKeyPassphrase decrypts an encrypted private key.
	PrivateKeyPassphrase string `yaml:"private_key_passphrase,omitempty" json:"private_key_passphrase,omitempty"`

	// KnownHostsPath is the known_hosts file used when StrictHostKeyChecking is set.
	KnownHostsPath string `yaml:"known_hosts_path,omitempty" json:"known_hosts_path,omitempty"`

	// StrictHostKeyChecking rejects hosts missing from KnownHostsPath.
	StrictHostKeyChecking bool `yaml:"strict_host_key_checking" json:"strict_host_key_checking"`

	// ConnectionTimeout bounds the SSH handshake.
	ConnectionTimeout time.Duration `yaml:"connection_timeout" json:"connection_timeout"`

	// RemoteDir is the directory archives are kept under.
	RemoteDir string `yaml:"remote_dir" json:"remote_dir" validate:"required"`
}

// DefaultSFTPConfig returns an SFTP configuration with sensible defaults.
func DefaultSFTPConfig(host, user string) SFTPConfig {
	return SFTPConfig{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		RemoteDir:             "goalflow-cache",
	}
}

// Validate checks the configuration and fills in defaults.
func (c *SFTPConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Port == 0 {
		c.Port = 22
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	if c.RemoteDir == "" {
		return fmt.Errorf("remote directory is required")
	}
	if c.AuthMethod == "" {
		c.AuthMethod = AuthMethodKey
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			home := os.Getenv("HOME")
			for _, candidate := range []string{
				filepath.Join(home, ".ssh", "id_ed25519"),
				filepath.Join(home, ".ssh", "id_rsa"),
				filepath.Join(home, ".ssh", "id_ecdsa"),
			} {
				if _, err := os.Stat(candidate); err == nil {
					c.PrivateKeyPath = candidate
					break
				}
			}
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required for key authentication and no default key found")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	case AuthMethodAgent:
		if os.Getenv("SSH_AUTH_SOCK") == "" {
			return fmt.Errorf("SSH_AUTH_SOCK is not set for agent authentication")
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 30 * time.Second
	}
	return nil
}

// Address returns host:port.
func (c *SFTPConfig) Address() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// clientConfig builds the ssh.ClientConfig for the configured auth method.
func (c *SFTPConfig) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod

	switch c.AuthMethod {
	case AuthMethodPassword:
		auth = append(auth, ssh.Password(c.Password))
		auth = append(auth, ssh.KeyboardInteractive(
			func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))

	case AuthMethodAgent:
		conn, err := net.Dial("unix", os.Getenv("SSH_AUTH_SOCK"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to SSH agent: %w", err)
		}
		auth = append(auth, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.KnownHostsPath != "" && c.StrictHostKeyChecking {
		cb, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// sftpSession is one SFTP client plus whatever must be closed with it.
type sftpSession struct {
	client *sftp.Client
	closer func() error
}

func (s *sftpSession) Close() error {
	err := s.client.Close()
	if s.closer != nil {
		if cerr := s.closer(); err == nil {
			err = cerr
		}
	}
	return err
}

// SFTPStore keeps archives on a remote host over SFTP. Each operation opens
// its own connection.
type SFTPStore struct {
	config SFTPConfig
	logger zerolog.Logger
	dial   func(ctx context.Context) (*sftpSession, error)
}

// NewSFTPStore validates cfg and returns a store using it.
func NewSFTPStore(cfg SFTPConfig, logger zerolog.Logger) (*SFTPStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sftp configuration: %w", err)
	}
	s := &SFTPStore{
		config: cfg,
		logger: logger.With().Str("store", "sftp").Str("host", cfg.Host).Logger(),
	}
	s.dial = s.connect
	return s, nil
}

func (s *SFTPStore) connect(ctx context.Context) (*sftpSession, error) {
	clientConfig, err := s.config.clientConfig()
	if err != nil {
		return nil, err
	}

	address := s.config.Address()
	s.logger.Debug().Str("address", address).Msg("Establishing SSH connection")

	type result struct {
		client *ssh.Client
		err    error
	}
	done := make(chan result, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		done <- result{client: client, err: err}
	}()

	var sshClient *ssh.Client
	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.client != nil {
				r.client.Close()
			}
		}()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("failed to connect to %s: %w", address, r.err)
		}
		sshClient = r.client
	}

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}
	return &sftpSession{client: client, closer: sshClient.Close}, nil
}

func (s *SFTPStore) remotePath(key string) string {
	return path.Join(s.config.RemoteDir, key+archiveSuffix)
}

// Store implements ArchiveStore. The archive is uploaded to a temporary name
// and renamed into place.
func (s *SFTPStore) Store(ctx context.Context, key, localPath string) (string, error) {
	start := time.Now()

	local, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer local.Close()

	session, err := s.dial(ctx)
	if err != nil {
		return "", err
	}
	defer session.Close()

	dest := s.remotePath(key)
	if err := session.client.MkdirAll(path.Dir(dest)); err != nil {
		return "", fmt.Errorf("failed to create remote directory: %w", err)
	}

	tmp := path.Join(path.Dir(dest), fmt.Sprintf(".tmp-%d-%s", time.Now().UnixNano(), path.Base(dest)))
	remote, err := session.client.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to create remote file: %w", err)
	}
	written, err := copyWithContext(ctx, remote, local)
	if cerr := remote.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = session.client.Remove(tmp)
		return "", fmt.Errorf("failed to upload archive: %w", err)
	}

	if err := session.client.PosixRename(tmp, dest); err != nil {
		// Servers without the posix-rename extension refuse to replace an existing file.
		_ = session.client.Remove(dest)
		if err := session.client.Rename(tmp, dest); err != nil {
			_ = session.client.Remove(tmp)
			return "", fmt.Errorf("failed to move archive into place: %w", err)
		}
	}

	s.logger.Debug().
		Str("key", key).
		Str("remote", dest).
		Int64("bytes", written).
		Dur("duration", time.Since(start)).
		Msg("Archive uploaded")

	return fmt.Sprintf("sftp://%s@%s/%s", s.config.User, s.config.Address(), strings.TrimPrefix(dest, "/")), nil
}

// Retrieve implements ArchiveStore.
func (s *SFTPStore) Retrieve(ctx context.Context, key, destPath string) error {
	session, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	remote, err := session.client.Open(s.remotePath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return goal.NewCacheMiss(key)
		}
		return fmt.Errorf("failed to open remote archive: %w", err)
	}
	defer remote.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return fmt.Errorf("failed to create local directory: %w", err)
	}
	local, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create local archive: %w", err)
	}
	defer local.Close()

	written, err := copyWithContext(ctx, local, remote)
	if err != nil {
		return fmt.Errorf("failed to download archive: %w", err)
	}

	s.logger.Debug().Str("key", key).Int64("bytes", written).Msg("Archive downloaded")
	return nil
}

// Delete implements ArchiveStore.
func (s *SFTPStore) Delete(ctx context.Context, key string) error {
	session, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.client.Remove(s.remotePath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete remote archive: %w", err)
	}
	return nil
}

// Sweep implements Sweeper.
func (s *SFTPStore) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	session, err := s.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer session.Close()

	removed := 0
	walker := session.client.Walk(s.config.RemoteDir)
	for walker.Step() {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if err := walker.Err(); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return removed, fmt.Errorf("failed to walk remote cache: %w", err)
		}
		info := walker.Stat()
		if info.IsDir() || !strings.HasSuffix(walker.Path(), archiveSuffix) {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := session.client.Remove(walker.Path()); err != nil {
				return removed, fmt.Errorf("failed to remove %s: %w", walker.Path(), err)
			}
			removed++
		}
	}
	return removed, nil
}
