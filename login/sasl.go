package login

import (
	"errors"

	gosasl "github.com/emersion/go-sasl"
)

// NewPlainMechanism adapts an AuthService-backed authenticator to the
// SASL PLAIN mechanism using the real go-sasl server implementation,
// mirroring how the teacher wires sasl.NewPlainServer for its own IMAP
// command handling.
func NewPlainMechanism(authenticate func(identity, username, password string) error) gosasl.Server {
	return gosasl.NewPlainServer(authenticate)
}

// loginServer implements the SASL LOGIN mechanism: "Username:" then
// "Password:" challenges. go-sasl ships PLAIN and EXTERNAL but not LOGIN,
// so this is hand-written against its sasl.Server contract, in the same
// shape as the Next(response)(challenge,done,err) mechanisms it does ship.
type loginServer struct {
	step         int
	username     string
	authenticate func(username, password string) error
}

// NewLoginMechanism adapts an AuthService-backed authenticator to the
// SASL LOGIN mechanism.
func NewLoginMechanism(authenticate func(username, password string) error) gosasl.Server {
	return &loginServer{authenticate: authenticate}
}

func (l *loginServer) Next(response []byte) (challenge []byte, done bool, err error) {
	switch l.step {
	case 0:
		l.step = 1
		return []byte("Username:"), false, nil
	case 1:
		l.username = string(response)
		l.step = 2
		return []byte("Password:"), false, nil
	case 2:
		l.step = 3
		return nil, true, l.authenticate(l.username, string(response))
	default:
		return nil, false, errors.New("sasl: unexpected LOGIN continuation")
	}
}
