// Package parser decodes raw fetched messages into the fields the dispatch
// pipeline correlates on.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	stdmail "net/mail"
	"strings"

	gomessage "github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	htmlcharset "golang.org/x/net/html/charset"
)

// ErrNoSender marks a message whose envelope yields no reply address.
// Terminal for the message: there is nobody to answer.
var ErrNoSender = errors.New("message has no parseable sender")

const maxBodyBytes = 128 * 1024

func init() {
	gomessage.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return htmlcharset.NewReaderLabel(charset, input)
	}
}

// ParsedMessage is the decoded view of one inbound request.
type ParsedMessage struct {
	Sender   string
	Subject  string
	BodyText string
}

var wordDecoder = &mime.WordDecoder{}

// Parse extracts sender, subject, and the first plain-text part of a raw
// RFC822 message. A missing plain-text part leaves BodyText empty; only a
// missing sender is an error.
func Parse(raw []byte) (*ParsedMessage, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrNoSender)
	}
	msg := structuredParse(raw)
	if msg == nil {
		msg = legacyParse(raw)
	}
	if msg == nil || msg.Sender == "" {
		return nil, ErrNoSender
	}
	return msg, nil
}

func structuredParse(raw []byte) *ParsedMessage {
	reader, err := gomail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil
	}
	defer reader.Close()

	msg := &ParsedMessage{}
	if subject, err := reader.Header.Subject(); err == nil {
		msg.Subject = strings.TrimSpace(subject)
	}
	if addrs, err := reader.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		msg.Sender = addrs[0].Address
	}
	msg.BodyText = firstPlainPart(reader)

	if msg.Sender == "" {
		// Structured parsing can decode a body while choking on a loose
		// From header; give the legacy path a chance at the sender.
		if legacy := legacyParse(raw); legacy != nil {
			legacy.BodyText = msg.BodyText
			if legacy.Subject == "" {
				legacy.Subject = msg.Subject
			}
			return legacy
		}
	}
	return msg
}

func firstPlainPart(reader *gomail.Reader) string {
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return ""
		}
		if err != nil {
			return ""
		}
		header, ok := part.Header.(*gomail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, err := header.ContentType()
		if err != nil {
			continue
		}
		if !strings.HasPrefix(contentType, "text/plain") {
			continue
		}
		body, err := io.ReadAll(io.LimitReader(part.Body, maxBodyBytes))
		if err != nil {
			return ""
		}
		return string(body)
	}
}

func legacyParse(raw []byte) *ParsedMessage {
	reader, err := stdmail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil
	}
	msg := &ParsedMessage{
		Subject: decodeHeader(reader.Header.Get("Subject")),
	}
	if addr, err := stdmail.ParseAddress(reader.Header.Get("From")); err == nil {
		msg.Sender = addr.Address
	}
	contentType := reader.Header.Get("Content-Type")
	if contentType == "" || strings.HasPrefix(contentType, "text/plain") {
		if body, err := io.ReadAll(io.LimitReader(reader.Body, maxBodyBytes)); err == nil {
			msg.BodyText = string(body)
		}
	}
	return msg
}

func decodeHeader(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}
