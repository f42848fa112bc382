package showdown

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"palaestra/internal/team"
)

// ErrSessionClosed reports a receive or send on a session whose websocket
// connection has gone away.
var ErrSessionClosed = errors.New("session closed")

// Session is one logged-in websocket connection to a simulator server.
// A battle needs two of them, one per side.
type Session struct {
	username string
	userid   string

	conn     *websocket.Conn
	messages chan Message
	closed   chan struct{}

	writeMu sync.Mutex

	mu      sync.Mutex
	readErr error
	once    sync.Once
}

// Dial connects to url, registers username as a guest and waits for the
// server to confirm the login. The servers this package launches run
// without authentication, so no assertion token is needed.
func Dial(ctx context.Context, url, username string) (*Session, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	s := &Session{
		username: username,
		userid:   team.ToID(username),
		conn:     conn,
		messages: make(chan Message, 256),
		closed:   make(chan struct{}),
	}
	go s.readLoop()

	if err := s.login(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Session) login(ctx context.Context) error {
	for {
		msg, err := s.Next(ctx)
		if err != nil {
			return fmt.Errorf("login as %s: %w", s.username, err)
		}
		switch msg.Type {
		case "challstr":
			if err := s.Send("", "/trn "+s.username+",0,"); err != nil {
				return err
			}
		case "updateuser":
			if team.ToID(msg.Arg(0)) == s.userid && msg.Arg(1) == "1" {
				return nil
			}
		case "nametaken":
			return fmt.Errorf("login as %s: name taken: %s", s.username, msg.Arg(1))
		}
	}
}

func (s *Session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			if s.readErr == nil {
				s.readErr = err
			}
			s.mu.Unlock()
			close(s.messages)
			return
		}
		for _, msg := range ParseFrame(string(data)) {
			select {
			case s.messages <- msg:
			case <-s.closed:
				return
			}
		}
	}
}

func (s *Session) Username() string { return s.username }

// UserID is the lowercased alphanumeric form the server uses in protocol
// messages.
func (s *Session) UserID() string { return s.userid }

// Next returns the next protocol message. It fails with ErrSessionClosed
// once the connection is gone and the buffer is drained.
func (s *Session) Next(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case msg, ok := <-s.messages:
		if !ok {
			s.mu.Lock()
			err := s.readErr
			s.mu.Unlock()
			return Message{}, fmt.Errorf("%w: %v", ErrSessionClosed, err)
		}
		return msg, nil
	}
}

// Send writes one "room|text" line. An empty room targets the global
// lobby, which is where slash commands live.
func (s *Session) Send(room, text string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	select {
	case <-s.closed:
		return ErrSessionClosed
	default:
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(room+"|"+text)); err != nil {
		return fmt.Errorf("%w: %v", ErrSessionClosed, err)
	}
	return nil
}

// UploadTeam registers a packed team for the next challenge this session
// issues or accepts.
func (s *Session) UploadTeam(packed string) error {
	return s.Send("", "/utm "+packed)
}

// Challenge invites opponent to a battle in the given format.
func (s *Session) Challenge(opponent, format string) error {
	return s.Send("", fmt.Sprintf("/challenge %s, %s", opponent, format))
}

// AcceptChallenge accepts a pending challenge from opponent.
func (s *Session) AcceptChallenge(opponent string) error {
	return s.Send("", "/accept "+opponent)
}

// Choose submits a decision for the request identified by rqid.
func (s *Session) Choose(room, choice string, rqid int) error {
	return s.Send(room, fmt.Sprintf("/choose %s|%d", choice, rqid))
}

// Forfeit concedes the battle in room.
func (s *Session) Forfeit(room string) error {
	return s.Send(room, "/forfeit")
}

// Leave exits a battle room once the battle is over.
func (s *Session) Leave(room string) error {
	return s.Send(room, "/leave")
}

func (s *Session) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
	return nil
}
