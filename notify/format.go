package notify

import (
	"fmt"
	"html"
	"strings"

	"relay-backend/models"
)

// Formatter renders an event as text for one delivery channel.
type Formatter interface {
	Format(ev Event) string
}

type FormatterFunc func(ev Event) string

func (f FormatterFunc) Format(ev Event) string { return f(ev) }

var formatters = map[string]Formatter{
	models.ChannelWeb:      FormatterFunc(formatWeb),
	models.ChannelSlack:    FormatterFunc(formatSlack),
	models.ChannelTelegram: FormatterFunc(formatTelegram),
	models.ChannelEmail:    FormatterFunc(formatEmail),
}

// FormatterFor returns the formatter for channel, falling back to web.
func FormatterFor(channel string) Formatter {
	if f, ok := formatters[channel]; ok {
		return f
	}
	return formatters[models.ChannelWeb]
}

func headline(ev Event) string {
	switch ev.Type {
	case EventCreated:
		return "New request"
	case EventMessage:
		return "New message"
	case EventKeysExchanged:
		return "Keys exchanged"
	case EventResponded:
		return "Response delivered"
	case EventReviewing:
		return "Request under review"
	case EventClosed:
		return "Request closed"
	}
	return strings.ReplaceAll(ev.Type, "_", " ")
}

func formatWeb(ev Event) string {
	return fmt.Sprintf("%s: %s", headline(ev), ev.ReferenceCode)
}

func formatSlack(ev Event) string {
	return fmt.Sprintf(":bell: *%s* `%s`", headline(ev), ev.ReferenceCode)
}

// Telegram messages are sent with parse_mode=HTML.
func formatTelegram(ev Event) string {
	return fmt.Sprintf("<b>%s</b> <code>%s</code>", html.EscapeString(headline(ev)), html.EscapeString(ev.ReferenceCode))
}

func formatEmail(ev Event) string {
	return fmt.Sprintf("Subject: [%s] %s\n\nOpen the relay to read it. Message bodies are end-to-end encrypted and are not included here.",
		ev.ReferenceCode, headline(ev))
}
