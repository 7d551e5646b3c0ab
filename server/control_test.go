package server

import (
	"bufio"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"
)

// controlCommand runs one command against handleControl over an in-memory pipe
func controlCommand(t *testing.T, srv *Server, command string) string {
	t.Helper()

	serverSide, clientSide := net.Pipe()
	defer clientSide.Close()
	go srv.handleControl(serverSide)

	clientSide.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := clientSide.Write([]byte(command + "\n")); err != nil {
		t.Fatalf("Failed to send %q: %v", command, err)
	}

	line, err := bufio.NewReader(clientSide).ReadString('\n')
	if err != nil {
		t.Fatalf("Failed to read reply to %q: %v", command, err)
	}
	return strings.TrimSpace(line)
}

func TestControlStats(t *testing.T) {
	srv, database := setupTestServer(t)
	database.CreateUser("andrei", "secret", "")
	authenticate(t, dialTestServer(t, srv), "andrei", "secret")

	got := controlCommand(t, srv, "stats")
	want := "OK|connections=1,sessions=1,users=andrei"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestControlUsers(t *testing.T) {
	srv, database := setupTestServer(t)
	database.CreateUser("andrei", "secret", "")
	database.CreateUser("vadim", "pass", "away")
	authenticate(t, dialTestServer(t, srv), "andrei", "secret")

	got := controlCommand(t, srv, "users")
	if !strings.HasPrefix(got, "OK|") {
		t.Fatalf("Expected OK reply, got %q", got)
	}

	var users []userStatus
	if err := json.Unmarshal([]byte(strings.TrimPrefix(got, "OK|")), &users); err != nil {
		t.Fatalf("Failed to decode users: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("Expected 2 users, got %d", len(users))
	}

	online := make(map[string]bool)
	for _, u := range users {
		online[u.Name] = u.Online
	}
	if !online["andrei"] || online["vadim"] {
		t.Errorf("Unexpected online status: %v", online)
	}

	andrei := users[0]
	if !strings.HasPrefix(andrei.Address, "127.0.0.1:") {
		t.Errorf("Expected a loopback address, got %q", andrei.Address)
	}
	if andrei.LastActivity == nil || time.Since(*andrei.LastActivity) > time.Minute {
		t.Errorf("Expected a recent last activity, got %v", andrei.LastActivity)
	}
	if users[1].Address != "" || users[1].LastActivity != nil {
		t.Errorf("Offline users carry no connection details: %+v", users[1])
	}
}

func TestControlHistory(t *testing.T) {
	srv, database := setupTestServer(t)
	base := time.Now().UTC().Add(-time.Hour)
	for i, text := range []string{"one", "two", "three"} {
		database.AppendMessageHistory("andrei", "vadim", text, base.Add(time.Duration(i)*time.Minute))
	}

	got := controlCommand(t, srv, "history|2")
	var entries []historyEntry
	if err := json.Unmarshal([]byte(strings.TrimPrefix(got, "OK|")), &entries); err != nil {
		t.Fatalf("Failed to decode history %q: %v", got, err)
	}
	if len(entries) != 2 || entries[0].Text != "three" || entries[1].Text != "two" {
		t.Errorf("Expected newest two messages, got %+v", entries)
	}

	if got := controlCommand(t, srv, "history|zero"); got != "ERROR|Invalid limit" {
		t.Errorf("Expected invalid limit error, got %q", got)
	}
}

func TestControlConversation(t *testing.T) {
	srv, database := setupTestServer(t)
	base := time.Now().UTC().Add(-time.Hour)
	database.AppendMessageHistory("andrei", "vadim", "hi", base)
	database.AppendMessageHistory("andrei", "olga", "elsewhere", base.Add(time.Minute))
	database.AppendMessageHistory("vadim", "andrei", "hello", base.Add(2*time.Minute))

	got := controlCommand(t, srv, "history|andrei|vadim")
	var entries []historyEntry
	if err := json.Unmarshal([]byte(strings.TrimPrefix(got, "OK|")), &entries); err != nil {
		t.Fatalf("Failed to decode conversation %q: %v", got, err)
	}
	if len(entries) != 2 || entries[0].Text != "hi" || entries[1].Text != "hello" {
		t.Errorf("Expected the two messages between andrei and vadim in order, got %+v", entries)
	}

	got = controlCommand(t, srv, "history|andrei|vadim|1")
	entries = nil
	json.Unmarshal([]byte(strings.TrimPrefix(got, "OK|")), &entries)
	if len(entries) != 1 || entries[0].Text != "hi" {
		t.Errorf("Expected a limit of one, got %+v", entries)
	}
}

func TestControlLogins(t *testing.T) {
	srv, database := setupTestServer(t)
	database.CreateUser("andrei", "secret", "")
	authenticate(t, dialTestServer(t, srv), "andrei", "secret")
	authenticate(t, dialTestServer(t, srv), "andrei", "secret")

	got := controlCommand(t, srv, "logins|andrei|1")
	var entries []loginEntry
	if err := json.Unmarshal([]byte(strings.TrimPrefix(got, "OK|")), &entries); err != nil {
		t.Fatalf("Failed to decode logins %q: %v", got, err)
	}
	if len(entries) != 1 || entries[0].IPAddress != "127.0.0.1" {
		t.Errorf("Expected one login from 127.0.0.1, got %+v", entries)
	}

	got = controlCommand(t, srv, "logins|andrei")
	entries = nil
	json.Unmarshal([]byte(strings.TrimPrefix(got, "OK|")), &entries)
	if len(entries) != 2 {
		t.Errorf("Expected two logins, got %+v", entries)
	}

	if got := controlCommand(t, srv, "logins"); !strings.HasPrefix(got, "ERROR|") {
		t.Errorf("Expected usage error, got %q", got)
	}
}

func TestControlAddUser(t *testing.T) {
	srv, database := setupTestServer(t)

	if got := controlCommand(t, srv, "adduser|andrei|secret"); got != "OK|created" {
		t.Errorf("Expected OK|created, got %q", got)
	}
	if ok, _ := database.VerifyCredential("andrei", "secret"); !ok {
		t.Errorf("Expected the new credential to verify")
	}

	// presence-created accounts get their password set
	database.CreateUser("vadim", "", "")
	if got := controlCommand(t, srv, "adduser|vadim|pass"); got != "OK|updated" {
		t.Errorf("Expected OK|updated, got %q", got)
	}
	if ok, _ := database.VerifyCredential("vadim", "pass"); !ok {
		t.Errorf("Expected the updated credential to verify")
	}

	if got := controlCommand(t, srv, "adduser|olga"); !strings.HasPrefix(got, "ERROR|") {
		t.Errorf("Expected usage error, got %q", got)
	}
}

func TestControlUnknownCommand(t *testing.T) {
	srv, _ := setupTestServer(t)

	if got := controlCommand(t, srv, "reboot"); got != "ERROR|Unknown command" {
		t.Errorf("Expected unknown command error, got %q", got)
	}
}

func TestServeControl(t *testing.T) {
	srv, _ := setupTestServer(t)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	go srv.ServeControl(listener)
	defer listener.Close()

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial control: %v", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	conn.Write([]byte("shutdown\n"))
	line, _ := bufio.NewReader(conn).ReadString('\n')
	if strings.TrimSpace(line) != "OK|Shutting down" {
		t.Errorf("Expected shutdown acknowledgement, got %q", line)
	}

	waitFor(t, "shutdown", func() bool {
		select {
		case <-srv.done:
			return true
		default:
			return false
		}
	})
}
