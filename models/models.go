package models

import "time"

type User struct {
	ID          int64
	Name        string
	Password    string // bcrypt hash, empty for accounts created by presence
	Information string
	LastOnline  time.Time
	LastOffline time.Time
}

type Message struct {
	ID        int64
	Sender    string
	Recipient string
	Text      string
	Timestamp time.Time
}

// Login is one row of an account's connection history.
type Login struct {
	User      string
	IPAddress string
	Time      time.Time
}
