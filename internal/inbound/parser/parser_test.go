package parser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func crlf(s string) []byte {
	return []byte(strings.ReplaceAll(s, "\n", "\r\n"))
}

func TestParseSimpleMessage(t *testing.T) {
	raw := crlf(`From: Maria Souza <maria@example.com>
To: condo@example.com
Subject: REQ-CODE:123.456.789-00
Content-Type: text/plain; charset=utf-8

Por favor, envie o código.
`)
	msg, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "maria@example.com", msg.Sender)
	require.Equal(t, "REQ-CODE:123.456.789-00", msg.Subject)
	require.Contains(t, msg.BodyText, "envie o código")
}

func TestParseMultipartPrefersPlainText(t *testing.T) {
	raw := crlf(`From: joao@example.com
Subject: REQ-CODE:999
MIME-Version: 1.0
Content-Type: multipart/alternative; boundary="b1"

--b1
Content-Type: text/html; charset=utf-8

<p>ignore me</p>
--b1
Content-Type: text/plain; charset=utf-8

the plain part
--b1--
`)
	msg, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "joao@example.com", msg.Sender)
	require.Contains(t, msg.BodyText, "the plain part")
	require.NotContains(t, msg.BodyText, "ignore me")
}

func TestParseHTMLOnlyYieldsEmptyBody(t *testing.T) {
	raw := crlf(`From: joao@example.com
Subject: hello
MIME-Version: 1.0
Content-Type: text/html; charset=utf-8

<p>html only</p>
`)
	msg, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "joao@example.com", msg.Sender)
	require.Empty(t, msg.BodyText)
}

func TestParseDecodesEncodedSubject(t *testing.T) {
	raw := crlf(`From: maria@example.com
Subject: =?UTF-8?Q?REQ-CODE=3A123?=

body
`)
	msg, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "REQ-CODE:123", msg.Subject)
}

func TestParseMissingSender(t *testing.T) {
	raw := crlf(`Subject: no sender here

body
`)
	_, err := Parse(raw)
	require.ErrorIs(t, err, ErrNoSender)
}

func TestParseGarbage(t *testing.T) {
	_, err := Parse([]byte("not an email at all"))
	require.ErrorIs(t, err, ErrNoSender)

	_, err = Parse(nil)
	require.ErrorIs(t, err, ErrNoSender)
}

func TestParseSenderWithDisplayName(t *testing.T) {
	raw := crlf(`From: "Souza, Maria" <maria.souza@example.com>
Subject: test

body
`)
	msg, err := Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "maria.souza@example.com", msg.Sender)
}
