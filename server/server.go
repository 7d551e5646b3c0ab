package server

import (
	"errors"
	"fmt"
	"jim/config"
	"jim/models"
	"jim/session"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

var ErrServerClosed = errors.New("server closed")

// Store is the persistence the router needs. *db.DB satisfies it.
type Store interface {
	GetUser(name string) (*models.User, error)
	CreateUser(name, password, information string) error
	SetPassword(name, password string) error
	VerifyCredential(name, password string) (bool, error)
	GetContacts(owner string) ([]string, error)
	AddContact(owner, contact string) error
	RemoveContact(owner, contact string) error
	AppendMessageHistory(sender, recipient, text string, timestamp time.Time) error
	RecordLogin(name, ipAddress string, t time.Time) error
	UpdateLastOnline(name string, t time.Time) error
	UpdateLastOffline(name string, t time.Time) error
	ListUsers() ([]models.User, error)
	RecentMessages(limit int) ([]models.Message, error)
	GetMessages(owner, contact string, offset, limit int) ([]models.Message, error)
	LoginHistory(name string, limit int) ([]models.Login, error)
}

type Server struct {
	store    Store
	config   *ServerConfig
	sessions *session.Registry[*Conn]

	mu       sync.RWMutex
	conns    map[*Conn]struct{} // watch set, written only by the loop
	listener net.Listener

	accepted chan *Conn
	events   chan event

	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
}

type ServerConfig struct {
	Addr           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	PollInterval   time.Duration
	MaxMessageSize int
	OutboundQueue  int // frames buffered per connection before it counts as not writable
}

// NewServerConfig copies the listener and timeout settings out of cfg.
func NewServerConfig(cfg *config.Config) *ServerConfig {
	return &ServerConfig{
		Addr:           cfg.Addr,
		Port:           cfg.Port,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
		PollInterval:   cfg.PollInterval,
		MaxMessageSize: cfg.MaxMessageSize,
	}
}

func New(store Store, config *ServerConfig) *Server {
	// Unset values fall back to the defaults
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 120 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 30 * time.Second
	}
	if config.PollInterval == 0 {
		config.PollInterval = time.Second
	}
	if config.MaxMessageSize == 0 {
		config.MaxMessageSize = 64 * 1024
	}
	if config.OutboundQueue == 0 {
		config.OutboundQueue = 64
	}

	return &Server{
		store:    store,
		config:   config,
		sessions: session.NewRegistry[*Conn](),
		conns:    make(map[*Conn]struct{}),
		accepted: make(chan *Conn),
		events:   make(chan event, 256),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// ListenAndServe binds the configured address and serves until Shutdown.
// Nothing is started when the port is invalid or cannot be bound.
func (s *Server) ListenAndServe() error {
	if err := config.ValidatePort(s.config.Port); err != nil {
		return err
	}

	addr := net.JoinHostPort(s.config.Addr, strconv.Itoa(s.config.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	return s.Serve(listener)
}

// Serve runs the event loop over connections accepted from listener.
// It blocks until Shutdown and always returns ErrServerClosed.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	select {
	case <-s.quit:
		s.mu.Unlock()
		listener.Close()
		return ErrServerClosed
	default:
	}
	if s.listener != nil {
		s.mu.Unlock()
		return errors.New("server already serving")
	}
	s.listener = listener
	s.mu.Unlock()

	log.Printf("JIM server started on %s", listener.Addr())

	go s.acceptLoop(listener)
	s.loop()

	return ErrServerClosed
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown stops the loop after its current iteration, closes every open
// connection and waits for the loop to exit.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.quitOnce.Do(func() { close(s.quit) })
	listener := s.listener
	s.mu.Unlock()

	if listener == nil {
		return
	}
	listener.Close()
	<-s.done
	log.Printf("JIM server stopped")
}

func (s *Server) acceptLoop(listener net.Listener) {
	for {
		nc, err := listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("Error accepting connection: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		s.admit(nc)
	}
}

// admit hands a freshly accepted socket to the loop.
func (s *Server) admit(nc net.Conn) {
	c := newConn(nc, s.config.OutboundQueue)
	select {
	case s.accepted <- c:
	case <-s.quit:
		nc.Close()
	}
}

// WatchCount returns the number of open client connections.
func (s *Server) WatchCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	users := s.sessions.Users()

	return "connections=" + strconv.Itoa(s.WatchCount()) +
		",sessions=" + strconv.Itoa(len(users)) +
		",users=" + strings.Join(users, ";")
}
