package server

import (
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chatmesh/internal/auth"
	"github.com/adred-codev/chatmesh/internal/chat"
	"github.com/adred-codev/chatmesh/internal/monitoring"
	"github.com/adred-codev/chatmesh/internal/protocol"
	"github.com/adred-codev/chatmesh/internal/syncer"
)

// Authentication state machine: UNAUTH → AWAIT_PWD → AUTH. Requests that
// require a later state than the session holds are dropped with a debug
// log; the wire protocol has no error code to answer them with.
type sessionState int

const (
	stateUnauth sessionState = iota
	stateAwaitPassword
	stateAuthed
)

// session is the per-connection dispatcher. It reads one frame at a time,
// mutates the store under its lock via the store API, and fans the
// resulting delta out to peers strictly after the store call returns.
type session struct {
	srv      *Server
	conn     net.Conn
	addr     string
	username string
	state    sessionState
	logger   zerolog.Logger
}

func newSession(srv *Server, conn net.Conn) *session {
	addr := conn.RemoteAddr().String()
	return &session{
		srv:    srv,
		conn:   conn,
		addr:   addr,
		logger: srv.logger.With().Str("remote", addr).Logger(),
	}
}

// run is the session loop. It exits on end of stream, fatal decode
// errors, or write failures; storage write errors are fatal only to the
// individual request.
func (s *session) run() {
	defer s.conn.Close()
	s.logger.Info().Msg("Client connected")

	for {
		msgType, payload, err := protocol.ReadFrame(s.conn)
		if err != nil {
			// EOF is the peer leaving; ErrClosed is our own shutdown
			// force-closing the conn. Neither is worth a warning.
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Warn().Err(err).Msg("Dropping session on bad frame")
			}
			break
		}
		monitoring.IncrementFramesRead()

		if err := s.dispatch(msgType, payload); err != nil {
			s.logger.Warn().Err(err).Uint64("msg_type", msgType).Msg("Dropping session")
			break
		}
	}

	s.logger.Info().Msg("Client disconnected")
}

// dispatch routes one request. A returned error closes the session.
func (s *session) dispatch(msgType uint64, payload []byte) error {
	switch msgType {
	case protocol.ReqLogin1:
		return s.handleLogin1(payload)
	case protocol.ReqLogin2:
		return s.handleLogin2(payload)
	case protocol.ReqPing:
		return s.handlePing(payload)
	case protocol.ReqListUsers:
		if !s.authed(msgType) {
			return nil
		}
		return s.handleListUsers()
	case protocol.ReqListMessages:
		if !s.authed(msgType) {
			return nil
		}
		return s.handleListMessages(payload)
	case protocol.ReqSendMsg:
		if !s.authed(msgType) {
			return nil
		}
		return s.handleSend(payload)
	case protocol.ReqReadMsg:
		if !s.authed(msgType) {
			return nil
		}
		return s.handleRead(payload)
	case protocol.ReqDeleteMsg:
		if !s.authed(msgType) {
			return nil
		}
		return s.handleDeleteMessage(payload)
	case protocol.ReqDeleteAccount:
		if !s.authed(msgType) {
			return nil
		}
		return s.handleDeleteAccount()
	default:
		// Unknown request codes are dropped, not fatal: they may be a
		// newer client talking to an older node.
		s.logger.Warn().Uint64("msg_type", msgType).Msg("Unknown request code")
		return nil
	}
}

func (s *session) authed(msgType uint64) bool {
	if s.state != stateAuthed {
		s.logger.Debug().Uint64("msg_type", msgType).Msg("Request dropped: session not authenticated")
		return false
	}
	return true
}

// handleLogin1 implements the first login phase: the client announces a
// username, learns whether it exists, and the session binds to it.
func (s *session) handleLogin1(payload []byte) error {
	username, err := decodeString(payload)
	if err != nil {
		return err
	}

	s.username = username
	s.srv.bindPresence(s.addr, username)
	s.state = stateAwaitPassword

	if s.srv.accounts.Exists(username) {
		return s.reply(protocol.RespUserExisting, nil)
	}
	if err := s.srv.accounts.Claim(username); err != nil {
		s.logger.Error().Err(err).Str("username", username).Msg("Claim persist failed")
	}
	return s.reply(protocol.RespUserNotExisting, nil)
}

// handleLogin2 implements the second phase: binding a password to a fresh
// claim, or verifying one against the stored hash.
func (s *session) handleLogin2(payload []byte) error {
	if s.state != stateAwaitPassword || s.username == "" {
		s.logger.Debug().Msg("LOGIN_2 dropped: no pending login")
		return nil
	}
	password, err := decodeString(payload)
	if err != nil {
		return err
	}

	hash, bound, known := s.srv.accounts.Hash(s.username)
	if !known {
		s.logger.Debug().Str("username", s.username).Msg("LOGIN_2 dropped: username not claimed")
		return nil
	}

	if !bound {
		// First login: this password becomes the account password.
		newHash, err := auth.HashPassword(password)
		if err != nil {
			return err
		}
		if err := s.srv.accounts.SetPassword(s.username, newHash); err != nil {
			s.logger.Error().Err(err).Str("username", s.username).Msg("Password persist failed")
		}
		s.state = stateAuthed
		return s.reply(protocol.RespLoginSuccess, s.srv.accounts.Usernames())
	}

	if !auth.CheckPassword(password, hash) {
		// Stay in AWAIT_PWD so the client may retry.
		return s.reply(protocol.RespLoginFailed, nil)
	}
	s.state = stateAuthed
	return s.reply(protocol.RespLoginSuccess, s.srv.accounts.Usernames())
}

// handlePing rebinds presence for the announcing username. No response.
func (s *session) handlePing(payload []byte) error {
	username, err := decodeString(payload)
	if err != nil {
		return err
	}
	s.srv.bindPresence(s.addr, username)
	return nil
}

func (s *session) handleSend(payload []byte) error {
	v, err := protocol.Decode(payload)
	if err != nil {
		return err
	}
	parts, ok := v.([]any)
	if !ok || len(parts) != 2 {
		return fmt.Errorf("SEND_MSG payload must be [recipient, content]")
	}
	recipient, okR := parts[0].(string)
	content, okC := parts[1].(string)
	if !okR || !okC {
		return fmt.Errorf("SEND_MSG payload must be two strings")
	}

	m, err := s.srv.store.Send(s.username, recipient, content, s.srv.isOnline)
	if err != nil {
		// Fatal to the request only; the message may still be in memory
		// with its log append failed, which replication will re-seed.
		s.logger.Error().Err(err).Msg("Send failed")
		return nil
	}

	// Fanout strictly after the store lock is released.
	s.srv.sync.FanoutIncremental(syncer.MakePackage([]*chat.Message{m}, nil, nil))
	return nil
}

func (s *session) handleRead(payload []byte) error {
	sender, err := decodeString(payload)
	if err != nil {
		return err
	}

	ids, err := s.srv.store.MarkRead(sender, s.username)
	if err != nil {
		s.logger.Error().Err(err).Msg("Read mark failed")
	}
	if len(ids) > 0 {
		s.srv.sync.FanoutIncremental(syncer.MakePackage(nil, nil, ids))
	}
	return nil
}

func (s *session) handleListMessages(payload []byte) error {
	friend, err := decodeString(payload)
	if err != nil {
		return err
	}
	return s.reply(protocol.RespListMessages, s.srv.store.ListConversation(s.username, friend))
}

func (s *session) handleListUsers() error {
	counts := s.srv.store.UnreadCounts(s.username, s.srv.accounts.Usernames())
	return s.reply(protocol.RespListUsers, counts)
}

func (s *session) handleDeleteMessage(payload []byte) error {
	id, err := decodeString(payload)
	if err != nil {
		return err
	}

	deleted, err := s.srv.store.DeleteMessage(id)
	if err != nil {
		s.logger.Error().Err(err).Str("id", id).Msg("Delete failed")
	}
	if deleted {
		s.srv.sync.FanoutIncremental(syncer.MakePackage(nil, []string{id}, nil))
	}
	return nil
}

// handleDeleteAccount removes the account and every message it ever sent
// or received. Node-local: neither the purge nor the account removal is
// replicated, so peers keep their copies until their own restart.
func (s *session) handleDeleteAccount() error {
	removed := s.srv.store.DeleteAccount(s.username)
	if err := s.srv.accounts.Delete(s.username); err != nil {
		s.logger.Error().Err(err).Str("username", s.username).Msg("Account removal persist failed")
	}
	s.logger.Info().
		Str("username", s.username).
		Int("messages_removed", removed).
		Msg("Account deleted")
	return nil
}

// reply writes one response frame. v == nil produces a header-only frame.
func (s *session) reply(code uint64, v any) error {
	var payload []byte
	if v != nil {
		var err error
		payload, err = protocol.Encode(v)
		if err != nil {
			return err
		}
	}
	if err := protocol.WriteFrame(s.conn, code, payload); err != nil {
		return err
	}
	monitoring.IncrementFramesWritten()
	return nil
}

func decodeString(payload []byte) (string, error) {
	v, err := protocol.Decode(payload)
	if err != nil {
		return "", err
	}
	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("payload is %T, want string", v)
	}
	return str, nil
}
