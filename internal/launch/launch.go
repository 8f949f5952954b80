// Package launch starts mead workers on remote hosts over SSH.
package launch

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/sync/errgroup"

	"github.com/rudransh-shrivastava/mead/internal/config"
)

const dialTimeout = 30 * time.Second

type Launcher struct {
	SSH config.SSHConfig
	// ConfigPath is the config file path on the worker hosts.
	ConfigPath string
	Logger     logrus.FieldLogger
}

// Remote is a worker command running on one host.
type Remote struct {
	Host string
	Rank int

	client  *ssh.Client
	session *ssh.Session
	stdout  interface{ Close() error }
	stderr  interface{ Close() error }
}

// Wait blocks until the worker exits and closes the connection.
func (r *Remote) Wait() error {
	err := r.session.Wait()
	r.Close()
	if err != nil {
		return fmt.Errorf("worker on %s: %w", r.Host, err)
	}
	return nil
}

func (r *Remote) Close() {
	_ = r.session.Close()
	_ = r.client.Close()
	_ = r.stdout.Close()
	_ = r.stderr.Close()
}

// Command is the shell command that starts the worker of the given rank.
func (l *Launcher) Command(host string, rank int) string {
	binary := l.SSH.Binary
	if binary == "" {
		binary = "mead"
	}
	parts := []string{shellescape.Quote(binary), "worker", "--hostname", shellescape.Quote(host), "--rank", strconv.Itoa(rank)}
	if l.ConfigPath != "" {
		parts = append(parts, "--config", quotePath(l.ConfigPath))
	}
	return strings.Join(parts, " ")
}

// quotePath quotes p for the remote shell, leaving a leading ~/ bare so it
// still expands to the remote user's home.
func quotePath(p string) string {
	if rest, ok := strings.CutPrefix(p, "~/"); ok {
		return "~/" + shellescape.Quote(rest)
	}
	return shellescape.Quote(p)
}

// ClientConfig builds the SSH client settings from the key and known_hosts
// files.
func (l *Launcher) ClientConfig() (*ssh.ClientConfig, error) {
	key, err := os.ReadFile(l.SSH.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("read ssh key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %s: %w", l.SSH.KeyFile, err)
	}

	hostKeys, err := knownhosts.New(l.SSH.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}

	user := l.SSH.User
	if user == "" {
		user = os.Getenv("USER")
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         dialTimeout,
	}, nil
}

func (l *Launcher) logger() logrus.FieldLogger {
	if l.Logger == nil {
		return logrus.StandardLogger()
	}
	return l.Logger
}

// Start connects to host and starts its worker. The worker's output is
// copied into the log.
func (l *Launcher) Start(ctx context.Context, cc *ssh.ClientConfig, host string, rank int) (*Remote, error) {
	port := l.SSH.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cc)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("open session on %s: %w", host, err)
	}

	log := l.logger().WithFields(logrus.Fields{"host": host, "rank": rank})
	stdout := log.WriterLevel(logrus.InfoLevel)
	stderr := log.WriterLevel(logrus.WarnLevel)
	session.Stdout = stdout
	session.Stderr = stderr

	cmd := l.Command(host, rank)
	if err := session.Start(cmd); err != nil {
		session.Close()
		client.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start worker on %s: %w", host, err)
	}
	log.Infof("Started worker: %s", cmd)

	return &Remote{Host: host, Rank: rank, client: client, session: session, stdout: stdout, stderr: stderr}, nil
}

// StartAll starts one worker per host, ranked by position. Either every
// worker starts or none is left running.
func (l *Launcher) StartAll(ctx context.Context, hosts []string) ([]*Remote, error) {
	cc, err := l.ClientConfig()
	if err != nil {
		return nil, err
	}

	remotes := make([]*Remote, len(hosts))
	g, gctx := errgroup.WithContext(ctx)
	for i, host := range hosts {
		g.Go(func() error {
			r, err := l.Start(gctx, cc, host, i)
			if err != nil {
				return err
			}
			remotes[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, r := range remotes {
			if r != nil {
				_ = r.session.Signal(ssh.SIGTERM)
				r.Close()
			}
		}
		return nil, err
	}
	return remotes, nil
}
