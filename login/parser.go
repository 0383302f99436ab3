package login

import (
	"bytes"
	"fmt"

	"github.com/veymail/imap-login/consts"
	"github.com/veymail/imap-login/server"
)

// Command is one fully-parsed client command line.
type Command struct {
	Tag  string
	Name string
	Args []string
}

// Parser accumulates bytes from the wire and yields complete command lines
// as they become available. It is restartable: Feed may be called any
// number of times with partial data, and Next reports consts.ErrNeedMoreData
// until a full line has arrived. A line (tag included) longer than the
// configured maximum is a fatal error distinct from a syntactically
// malformed but well-bounded line, which is reported as a non-fatal error
// the caller should answer with a tagged BAD response.
type Parser struct {
	buf []byte
	max int
}

// NewParser returns a Parser that rejects lines longer than max bytes.
func NewParser(max int) *Parser {
	if max <= 0 {
		max = consts.MaxIMAPLine
	}
	return &Parser{max: max}
}

// Feed appends newly-read bytes to the internal buffer.
func (p *Parser) Feed(data []byte) {
	p.buf = append(p.buf, data...)
}

// Next extracts and parses the next complete line from the buffer.
//
// Four outcomes:
//   - a *Command and nil error: a line was parsed successfully.
//   - nil and consts.ErrNeedMoreData: no full line is buffered yet; the
//     caller should read more from the transport and Feed it.
//   - nil and consts.ErrLineTooLong: the buffered, unterminated data has
//     exceeded the maximum line length. This is fatal; the caller must
//     tear down the session.
//   - a *Command carrying only Tag (the tag that was read, or "*") and any
//     other error: the line was complete but malformed. This is
//     non-fatal; the caller should send a BAD response with that tag and
//     continue reading.
func (p *Parser) Next() (*Command, error) {
	raw, err := p.nextLine()
	if err != nil {
		return nil, err
	}

	tag, name, args, err := server.ParseLine(string(raw), true)
	if err != nil {
		return &Command{Tag: errorTag(tag)}, fmt.Errorf("bad command syntax: %w", err)
	}
	if tag == "" || tag == "*" {
		return &Command{Tag: "*"}, fmt.Errorf("missing or invalid command tag")
	}

	return &Command{Tag: tag, Name: name, Args: args}, nil
}

// errorTag is the tag used on a BAD reply to a line whose syntax could not
// be fully parsed: the tag it did manage to read, or "*" if none.
func errorTag(tag string) string {
	if tag == "" {
		return "*"
	}
	return tag
}

// NextRaw extracts the next complete line without interpreting it as a
// tagged command, for the untagged continuation lines SASL challenge/
// response exchanges use (AUTHENTICATE's "+" continuations). Same
// need-more-data/too-long contract as Next.
func (p *Parser) NextRaw() (string, error) {
	raw, err := p.nextLine()
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (p *Parser) nextLine() ([]byte, error) {
	idx := bytes.IndexByte(p.buf, '\n')
	if idx == -1 {
		if len(p.buf) > p.max {
			return nil, consts.ErrLineTooLong
		}
		return nil, consts.ErrNeedMoreData
	}

	raw := p.buf[:idx]
	p.buf = p.buf[idx+1:]
	raw = bytes.TrimSuffix(raw, []byte("\r"))

	if len(raw) > p.max {
		return nil, consts.ErrLineTooLong
	}
	return raw, nil
}

// Pending reports how many unconsumed bytes remain buffered.
func (p *Parser) Pending() int {
	return len(p.buf)
}

// Reset discards any buffered data. Used when a fresh parser must start
// clean after a transport is replaced (STARTTLS), so that any bytes
// pipelined ahead of the handshake can never be reinterpreted as
// post-TLS commands.
func (p *Parser) Reset() {
	p.buf = nil
}
