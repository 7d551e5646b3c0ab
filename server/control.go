package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"jim/db"
	"jim/models"
	"log"
	"net"
	"strconv"
	"strings"
	"time"
)

const defaultHistoryLimit = 20

type userStatus struct {
	Name        string    `json:"name"`
	Online      bool      `json:"online"`
	Information string    `json:"information,omitempty"`
	LastOnline  time.Time `json:"last_online"`
	LastOffline time.Time `json:"last_offline"`

	// set for online users only
	Address      string     `json:"address,omitempty"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
	Pending      int        `json:"pending,omitempty"`
}

type loginEntry struct {
	IPAddress string    `json:"ip_address"`
	Time      time.Time `json:"time"`
}

type historyEntry struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	Text string    `json:"text"`
	Time time.Time `json:"time"`
}

// ServeControl answers management commands on listener until it is closed.
// Commands are one line each: stats, users, history[|N], history|a|b,
// logins|name[|N], adduser|name|password, shutdown. Replies are OK|payload
// or ERROR|reason.
func (s *Server) ServeControl(listener net.Listener) {
	log.Printf("Control socket listening on %s", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}

		go s.handleControl(conn)
	}
}

func (s *Server) handleControl(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return
	}

	parts := strings.SplitN(strings.TrimSpace(line), "|", 4)

	switch parts[0] {
	case "stats":
		reply(conn, "OK|"+s.GetStats())

	case "users":
		users, err := s.store.ListUsers()
		if err != nil {
			log.Printf("Control users error: %v", err)
			reply(conn, "ERROR|Internal error")
			return
		}
		statuses := make([]userStatus, 0, len(users))
		for _, u := range users {
			status := userStatus{
				Name:        u.Name,
				Information: u.Information,
				LastOnline:  u.LastOnline,
				LastOffline: u.LastOffline,
			}
			if c, ok := s.sessions.Lookup(u.Name); ok {
				last := c.LastActivity().UTC()
				status.Online = true
				status.Address = c.RemoteAddr()
				status.LastActivity = &last
				status.Pending = c.Pending()
			}
			statuses = append(statuses, status)
		}
		replyJSON(conn, statuses)

	case "history":
		var messages []models.Message
		var err error
		if len(parts) >= 3 {
			// history|a|b[|N] is the conversation between two accounts
			limit, ok := parseLimit(parts, 3)
			if !ok {
				reply(conn, "ERROR|Invalid limit")
				return
			}
			messages, err = s.store.GetMessages(parts[1], parts[2], 0, limit)
		} else {
			limit, ok := parseLimit(parts, 1)
			if !ok {
				reply(conn, "ERROR|Invalid limit")
				return
			}
			messages, err = s.store.RecentMessages(limit)
		}
		if err != nil {
			log.Printf("Control history error: %v", err)
			reply(conn, "ERROR|Internal error")
			return
		}
		entries := make([]historyEntry, 0, len(messages))
		for _, m := range messages {
			entries = append(entries, historyEntry{From: m.Sender, To: m.Recipient, Text: m.Text, Time: m.Timestamp})
		}
		replyJSON(conn, entries)

	case "logins":
		if len(parts) < 2 || parts[1] == "" {
			reply(conn, "ERROR|Usage: logins|name[|N]")
			return
		}
		limit, ok := parseLimit(parts, 2)
		if !ok {
			reply(conn, "ERROR|Invalid limit")
			return
		}
		logins, err := s.store.LoginHistory(parts[1], limit)
		if err != nil {
			log.Printf("Control logins error: %v", err)
			reply(conn, "ERROR|Internal error")
			return
		}
		entries := make([]loginEntry, 0, len(logins))
		for _, l := range logins {
			entries = append(entries, loginEntry{IPAddress: l.IPAddress, Time: l.Time})
		}
		replyJSON(conn, entries)

	case "adduser":
		if len(parts) < 3 || parts[1] == "" || parts[2] == "" {
			reply(conn, "ERROR|Usage: adduser|name|password")
			return
		}
		s.controlAddUser(conn, parts[1], strings.Join(parts[2:], "|"))

	case "shutdown":
		reply(conn, "OK|Shutting down")
		conn.Close()
		log.Printf("Shutdown requested over control socket")
		s.Shutdown()

	default:
		reply(conn, "ERROR|Unknown command")
	}
}

// controlAddUser creates an account, or sets the password of one that
// presence created without a credential.
func (s *Server) controlAddUser(conn net.Conn, name, password string) {
	_, err := s.store.GetUser(name)
	switch {
	case errors.Is(err, db.ErrNoRows):
		if err := s.store.CreateUser(name, password, ""); err != nil {
			log.Printf("Control adduser error: %v", err)
			reply(conn, "ERROR|Internal error")
			return
		}
		reply(conn, "OK|created")
	case err != nil:
		log.Printf("Control adduser error: %v", err)
		reply(conn, "ERROR|Internal error")
	default:
		if err := s.store.SetPassword(name, password); err != nil {
			log.Printf("Control adduser error: %v", err)
			reply(conn, "ERROR|Internal error")
			return
		}
		reply(conn, "OK|updated")
	}
}

// parseLimit reads an optional positive count at parts[i].
func parseLimit(parts []string, i int) (int, bool) {
	if len(parts) <= i || parts[i] == "" {
		return defaultHistoryLimit, true
	}
	n, err := strconv.Atoi(parts[i])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func reply(conn net.Conn, line string) {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	conn.Write([]byte(line + "\n"))
}

func replyJSON(conn net.Conn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		reply(conn, "ERROR|Internal error")
		return
	}
	reply(conn, "OK|"+string(b))
}
