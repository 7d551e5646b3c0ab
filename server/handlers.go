package server

import (
	"errors"
	"jim/db"
	"jim/protocol"
	"log"
	"time"
)

// Response alerts
const (
	alertOK              = "Ok"
	alertMalformed       = "Malformed payload"
	alertInvalidAction   = "Invalid action"
	alertAuthRequired    = "Authentication required"
	alertWrongCredential = "Wrong account name or password"
	alertInternal        = "Internal error"
)

// route handles every request frame found in one read chunk. A chunk with
// no frame at all, such as bare whitespace, is answered as malformed.
func (s *Server) route(c *Conn, data []byte, out *outbox) {
	frames, err := protocol.Frames(data)
	for _, frame := range frames {
		s.handleFrame(c, frame, out)
	}
	if err == nil && len(frames) == 0 {
		err = protocol.ErrMalformedPayload
	}
	if err != nil {
		log.Printf("Parse error from %s: %v", c.remoteAddr, err)
		out.send(c, protocol.NewResponse(protocol.StatusBadRequest, alertMalformed))
	}
}

func (s *Server) handleFrame(c *Conn, frame []byte, out *outbox) {
	env, err := protocol.Decode(frame)
	if err != nil {
		log.Printf("Bad request from %s: %v", c.remoteAddr, err)
		alert := alertMalformed
		if errors.Is(err, protocol.ErrUnknownAction) {
			alert = alertInvalidAction
		}
		out.send(c, protocol.NewResponse(protocol.StatusBadRequest, alert))
		return
	}

	// Credentials never reach the log
	if env.Action != protocol.ActionAuthenticate {
		log.Printf("Received %s from %s", env.Action, c.remoteAddr)
	}

	if requiresSession(env.Action) && !c.Authenticated() {
		out.send(c, protocol.NewResponse(protocol.StatusAuthFailed, alertAuthRequired))
		return
	}

	switch env.Action {
	case protocol.ActionPresence:
		s.handlePresence(c, env, out)
	case protocol.ActionAuthenticate:
		s.handleAuthenticate(c, env, out)
	case protocol.ActionMsg:
		s.handleMessage(c, env, out)
	case protocol.ActionGetContacts:
		s.handleGetContacts(c, out)
	case protocol.ActionAddContact:
		s.handleAddContact(c, env, out)
	case protocol.ActionDelContact:
		s.handleDeleteContact(c, env, out)
	}
}

func requiresSession(action protocol.Action) bool {
	return action != protocol.ActionPresence && action != protocol.ActionAuthenticate
}

func (s *Server) handlePresence(c *Conn, env *protocol.Envelope, out *outbox) {
	name := env.User.AccountName

	code := protocol.StatusOK
	_, err := s.store.GetUser(name)
	if errors.Is(err, db.ErrNoRows) {
		if err := s.store.CreateUser(name, "", env.User.Status); err != nil {
			log.Printf("Presence error: %v", err)
			out.send(c, protocol.NewResponse(protocol.StatusServerError, alertInternal))
			return
		}
		code = protocol.StatusCreated
		log.Printf("Account %s created by presence from %s", name, c.remoteAddr)
	} else if err != nil {
		log.Printf("Presence error: %v", err)
		out.send(c, protocol.NewResponse(protocol.StatusServerError, alertInternal))
		return
	}

	out.send(c, protocol.NewResponse(code, alertOK))
}

func (s *Server) handleAuthenticate(c *Conn, env *protocol.Envelope, out *outbox) {
	name := env.User.AccountName

	valid, err := s.store.VerifyCredential(name, env.User.Password)
	if err != nil {
		log.Printf("Auth error: %v", err)
		out.send(c, protocol.NewResponse(protocol.StatusServerError, alertInternal))
		return
	}

	if !valid {
		s.sessions.Unregister(name)
		log.Printf("Authentication failed for %s from %s", name, c.remoteAddr)
		out.send(c, protocol.NewResponse(protocol.StatusAuthFailed, alertWrongCredential))
		return
	}

	if prevUser, ok := s.sessions.OwnerOf(c); ok && prevUser != name {
		log.Printf("Connection %s switches from %s to %s", c.remoteAddr, prevUser, name)
	}
	c.user = name
	if prev, ok := s.sessions.Register(name, c); ok {
		log.Printf("Session %s moved from %s to %s", name, prev.remoteAddr, c.remoteAddr)
	}
	out.send(c, protocol.NewResponse(protocol.StatusOK, alertOK))

	now := time.Now().UTC()
	if err := s.store.UpdateLastOnline(name, now); err != nil {
		log.Printf("Failed to update last_online for %s: %v", name, err)
	}
	if err := s.store.RecordLogin(name, c.IP(), now); err != nil {
		log.Printf("Failed to record login for %s: %v", name, err)
	}
	log.Printf("Client %s authenticated from %s, active sessions: %d", name, c.remoteAddr, s.sessions.Len())
}

// handleMessage acknowledges the sender, stores the message once and routes
// it to the recipient's live session, or to every session for "all".
// Offline recipients get nothing.
func (s *Server) handleMessage(c *Conn, env *protocol.Envelope, out *outbox) {
	now := time.Now().UTC()
	broadcast := protocol.IsBroadcast(env.To)

	recipient := env.To
	if broadcast {
		recipient = protocol.AllRecipients
	}
	if err := s.store.AppendMessageHistory(c.user, recipient, env.Message, now); err != nil {
		log.Printf("Message error: %v", err)
	}

	out.send(c, protocol.NewResponse(protocol.StatusOK, alertOK))

	routed := *env
	routed.From = c.user
	routed.Time = protocol.Timestamp(now.Unix())
	if routed.Encoding == "" {
		routed.Encoding = protocol.DefaultEncoding
	}

	if broadcast {
		for _, rc := range s.sessions.Conns() {
			out.send(rc, &routed)
		}
		return
	}

	if rc, ok := s.sessions.Lookup(env.To); ok {
		out.send(rc, &routed)
		return
	}
	log.Printf("Recipient %s offline, message from %s not delivered", env.To, c.user)
}

func (s *Server) handleGetContacts(c *Conn, out *outbox) {
	contacts, err := s.store.GetContacts(c.user)
	if err != nil {
		log.Printf("List error: %v", err)
		out.send(c, protocol.NewResponse(protocol.StatusServerError, alertInternal))
		return
	}

	out.send(c, protocol.NewListResponse(protocol.StatusAccepted, contacts))
}

func (s *Server) handleAddContact(c *Conn, env *protocol.Envelope, out *outbox) {
	if err := s.store.AddContact(c.user, env.UserLogin); err != nil {
		log.Printf("Add contact error: %v", err)
		out.send(c, protocol.NewResponse(protocol.StatusServerError, alertInternal))
		return
	}

	out.send(c, protocol.NewResponse(protocol.StatusAccepted, alertOK))
}

func (s *Server) handleDeleteContact(c *Conn, env *protocol.Envelope, out *outbox) {
	if err := s.store.RemoveContact(c.user, env.UserLogin); err != nil {
		log.Printf("Delete contact error: %v", err)
		out.send(c, protocol.NewResponse(protocol.StatusServerError, alertInternal))
		return
	}

	out.send(c, protocol.NewResponse(protocol.StatusAccepted, alertOK))
}
