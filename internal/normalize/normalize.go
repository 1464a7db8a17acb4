// Package normalize converts source-specific webhook payloads into the
// canonical inbound message shape. It is deliberately lenient: absent fields
// become empty strings rather than errors, so a malformed transport payload
// still reaches the apology path instead of a bare protocol failure.
package normalize

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"intake-router/internal/domain"
)

const schemePrefix = "whatsapp:"

// Address strips the transport scheme prefix and a leading sign character so
// the same sender reads identically across channels. Applied to both sender
// and recipient before any tenant or session lookup.
func Address(raw string) string {
	addr := strings.TrimSpace(raw)
	addr = strings.TrimPrefix(addr, schemePrefix)
	return strings.TrimPrefix(addr, "+")
}

// ParseForm decodes a form-encoded webhook body (From, To, Body, MessageSid,
// NumMedia). Missing fields default to empty strings; NumMedia defaults to 0.
func ParseForm(body string) (domain.InboundMessage, error) {
	values, err := url.ParseQuery(body)
	if err != nil {
		return domain.InboundMessage{}, fmt.Errorf("normalize: parse form body: %w", err)
	}
	return domain.InboundMessage{
		Channel:    domain.ChannelForm,
		From:       Address(values.Get("From")),
		To:         Address(values.Get("To")),
		Body:       values.Get("Body"),
		ExternalID: values.Get("MessageSid"),
		MediaCount: parseCount(values.Get("NumMedia")),
	}, nil
}

// jsonPayload accepts both field spellings seen in the wild: body|message for
// the text and messageSid|messageId for the external id.
type jsonPayload struct {
	From       string `json:"from"`
	To         string `json:"to"`
	Body       string `json:"body"`
	Message    string `json:"message"`
	MessageSid string `json:"messageSid"`
	MessageID  string `json:"messageId"`
	NumMedia   int    `json:"numMedia"`
}

// ParseJSON decodes a JSON webhook body. When no message id is supplied, a
// unique one is synthesized from the channel tag and the current time.
func ParseJSON(body string) (domain.InboundMessage, error) {
	var p jsonPayload
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return domain.InboundMessage{}, fmt.Errorf("normalize: parse json body: %w", err)
	}

	text := p.Body
	if text == "" {
		text = p.Message
	}
	id := p.MessageSid
	if id == "" {
		id = p.MessageID
	}
	if id == "" {
		id = fmt.Sprintf("%s-%d", domain.ChannelJSON, time.Now().UnixNano())
	}

	return domain.InboundMessage{
		Channel:    domain.ChannelJSON,
		From:       Address(p.From),
		To:         Address(p.To),
		Body:       text,
		ExternalID: id,
		MediaCount: p.NumMedia,
	}, nil
}

func parseCount(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
