package login

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/veymail/imap-login/consts"
)

func TestParserNeedsMoreData(t *testing.T) {
	p := NewParser(consts.MaxIMAPLine)
	p.Feed([]byte("a1 NOO"))

	_, err := p.Next()
	require.ErrorIs(t, err, consts.ErrNeedMoreData)
}

func TestParserParsesCompleteLine(t *testing.T) {
	p := NewParser(consts.MaxIMAPLine)
	p.Feed([]byte("a1 NOOP\r\n"))

	cmd, err := p.Next()
	require.NoError(t, err)
	require.Equal(t, "a1", cmd.Tag)
	require.Equal(t, "NOOP", cmd.Name)
	require.Empty(t, cmd.Args)
}

func TestParserRestartsAcrossFeeds(t *testing.T) {
	p := NewParser(consts.MaxIMAPLine)
	p.Feed([]byte("a1 LOG"))
	_, err := p.Next()
	require.ErrorIs(t, err, consts.ErrNeedMoreData)

	p.Feed([]byte("IN alice secret\r\n"))
	cmd, err := p.Next()
	require.NoError(t, err)
	require.Equal(t, "LOGIN", cmd.Name)
	require.Equal(t, []string{"alice", "secret"}, cmd.Args)
}

func TestParserMultipleLinesInOneFeed(t *testing.T) {
	p := NewParser(consts.MaxIMAPLine)
	p.Feed([]byte("a1 NOOP\r\na2 NOOP\r\n"))

	first, err := p.Next()
	require.NoError(t, err)
	require.Equal(t, "a1", first.Tag)

	second, err := p.Next()
	require.NoError(t, err)
	require.Equal(t, "a2", second.Tag)

	_, err = p.Next()
	require.ErrorIs(t, err, consts.ErrNeedMoreData)
}

func TestParserRejectsOverlongLine(t *testing.T) {
	p := NewParser(8192)
	huge := make([]byte, 8193)
	for i := range huge {
		huge[i] = 'x'
	}
	p.Feed(huge)

	_, err := p.Next()
	require.ErrorIs(t, err, consts.ErrLineTooLong)
}

func TestParserAcceptsExactlyMaxLength(t *testing.T) {
	p := NewParser(8192)
	tag := "a1 NOOP"
	padding := make([]byte, 8192-len(tag))
	for i := range padding {
		padding[i] = ' '
	}
	line := append([]byte(tag), padding...)
	line = append(line, '\r', '\n')
	p.Feed(line)

	_, err := p.Next()
	require.NoError(t, err)
}

func TestParserReportsNonFatalSyntaxError(t *testing.T) {
	p := NewParser(consts.MaxIMAPLine)
	p.Feed([]byte("a1 LOGIN \"unterminated\r\n"))

	_, err := p.Next()
	require.Error(t, err)
	require.False(t, errors.Is(err, consts.ErrLineTooLong))
	require.False(t, errors.Is(err, consts.ErrNeedMoreData))
}

func TestParserResetDiscardsBufferedBytes(t *testing.T) {
	p := NewParser(consts.MaxIMAPLine)
	p.Feed([]byte("leftover pipelined bytes"))
	require.Positive(t, p.Pending())

	p.Reset()
	require.Zero(t, p.Pending())
}
