package showdown

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// ErrServerUnavailable marks every way a simulator server can fail to come
// up: the port is already bound, the process exits early, or readiness
// polling times out.
var ErrServerUnavailable = errors.New("simulator server unavailable")

type ManagerConfig struct {
	// Command is the argv used to launch one simulator server. The port is
	// appended as "--port N".
	Command []string
	// Dir is the working directory for the launched process.
	Dir string
	// Env entries are appended to the inherited environment.
	Env  []string
	Host string
	// Output receives the combined stdout/stderr of launched servers.
	// Nil discards it.
	Output io.Writer

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	ReadyTimeout   time.Duration
	KillGrace      time.Duration
}

func defaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Command:        []string{"node", "pokemon-showdown", "start", "--no-security"},
		Host:           "127.0.0.1",
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2.0,
		ReadyTimeout:   30 * time.Second,
		KillGrace:      5 * time.Second,
	}
}

func normalizeManagerConfig(cfg ManagerConfig) ManagerConfig {
	def := defaultManagerConfig()
	if len(cfg.Command) == 0 {
		cfg.Command = def.Command
	}
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = def.ReadyTimeout
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = def.KillGrace
	}
	return cfg
}

// Manager owns the lifecycle of simulator server processes. Each Acquire
// spawns one process bound to one port; the caller holds the returned
// handle exclusively until Release.
type Manager struct {
	cfg ManagerConfig

	mu      sync.Mutex
	servers map[int]*Server
}

// Server is an exclusively held, running simulator process.
type Server struct {
	port int
	addr string

	cmd      *exec.Cmd
	done     chan struct{}
	exitErr  error
	released bool
}

func (s *Server) Port() int { return s.port }

func (s *Server) Addr() string { return s.addr }

// WebsocketURL is the endpoint battle sessions dial.
func (s *Server) WebsocketURL() string {
	return fmt.Sprintf("ws://%s/showdown/websocket", s.addr)
}

func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		cfg:     normalizeManagerConfig(cfg),
		servers: make(map[int]*Server),
	}
}

// Acquire launches a simulator server on port and blocks until it accepts
// TCP connections. Failure to come up within the ready timeout, an early
// process exit, and a port already bound by another process all report
// ErrServerUnavailable.
func (m *Manager) Acquire(ctx context.Context, port int) (*Server, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w: invalid port %d", ErrServerUnavailable, port)
	}

	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(port))

	m.mu.Lock()
	if _, exists := m.servers[port]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: port %d already acquired", ErrServerUnavailable, port)
	}
	m.servers[port] = nil
	m.mu.Unlock()

	server, err := m.launch(ctx, port, addr)

	m.mu.Lock()
	if err != nil {
		delete(m.servers, port)
	} else {
		m.servers[port] = server
	}
	m.mu.Unlock()

	return server, err
}

func (m *Manager) launch(ctx context.Context, port int, addr string) (*Server, error) {
	if conn, err := net.DialTimeout("tcp", addr, 250*time.Millisecond); err == nil {
		conn.Close()
		return nil, fmt.Errorf("%w: port %d already bound", ErrServerUnavailable, port)
	}

	args := append(append([]string{}, m.cfg.Command[1:]...), "--port", strconv.Itoa(port))
	cmd := exec.Command(m.cfg.Command[0], args...)
	cmd.Dir = m.cfg.Dir
	if len(m.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), m.cfg.Env...)
	}
	cmd.Stdout = m.cfg.Output
	cmd.Stderr = m.cfg.Output

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %s: %v", ErrServerUnavailable, m.cfg.Command[0], err)
	}

	server := &Server{
		port: port,
		addr: addr,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		server.exitErr = cmd.Wait()
		close(server.done)
	}()

	if err := m.waitReady(ctx, server); err != nil {
		m.terminate(server)
		return nil, err
	}
	return server, nil
}

func (m *Manager) waitReady(ctx context.Context, server *Server) error {
	deadline := time.NewTimer(m.cfg.ReadyTimeout)
	defer deadline.Stop()

	backoff := m.cfg.InitialBackoff
	for {
		conn, err := net.DialTimeout("tcp", server.addr, 500*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-server.done:
			timer.Stop()
			return fmt.Errorf("%w: process exited before ready: %v", ErrServerUnavailable, server.exitErr)
		case <-deadline.C:
			timer.Stop()
			return fmt.Errorf("%w: not ready on %s after %s", ErrServerUnavailable, server.addr, m.cfg.ReadyTimeout)
		case <-timer.C:
		}

		next := time.Duration(float64(backoff) * m.cfg.BackoffFactor)
		if next > m.cfg.MaxBackoff {
			next = m.cfg.MaxBackoff
		}
		backoff = next
	}
}

// Release stops the server process, escalating from SIGTERM to SIGKILL
// after the kill grace period. Releasing an already released server is a
// no-op.
func (m *Manager) Release(server *Server) {
	if server == nil {
		return
	}

	m.mu.Lock()
	if server.released {
		m.mu.Unlock()
		return
	}
	server.released = true
	delete(m.servers, server.port)
	m.mu.Unlock()

	m.terminate(server)
}

func (m *Manager) terminate(server *Server) {
	select {
	case <-server.done:
		return
	default:
	}

	if err := server.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		server.cmd.Process.Kill()
		<-server.done
		return
	}

	grace := time.NewTimer(m.cfg.KillGrace)
	defer grace.Stop()
	select {
	case <-server.done:
	case <-grace.C:
		server.cmd.Process.Kill()
		<-server.done
	}
}

// ReleaseAll releases every server still held. It is the shutdown path;
// Acquire calls racing with it lose their port reservation.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	servers := make([]*Server, 0, len(m.servers))
	for _, server := range m.servers {
		if server == nil || server.released {
			continue
		}
		server.released = true
		servers = append(servers, server)
	}
	m.servers = make(map[int]*Server)
	m.mu.Unlock()

	for _, server := range servers {
		m.terminate(server)
	}
}

// Ports lists the ports currently held, sorted.
func (m *Manager) Ports() []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	ports := make([]int, 0, len(m.servers))
	for port := range m.servers {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports
}
