package notifier

import (
	"strconv"
	"time"

	"drippost/internal/events"
	"drippost/internal/poster"
)

// Discord-style webhook embed payloads.

type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	URL         string       `json:"url,omitempty"`
	Color       int          `json:"color,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Footer      *EmbedFooter `json:"footer,omitempty"`
	Image       *EmbedImage  `json:"image,omitempty"`
	Timestamp   string       `json:"timestamp,omitempty"`
}

type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type EmbedFooter struct {
	Text    string `json:"text,omitempty"`
	IconURL string `json:"icon_url,omitempty"`
}

type EmbedImage struct {
	URL string `json:"url"`
}

type webhookPayload struct {
	Embeds []Embed `json:"embeds"`
}

const (
	colorSuccess = 0x2ECC71
	colorWarning = 0xE67E22
	colorError   = 0xE74C3C
	colorInfo    = 0x3498DB
)

// renderEmbed builds one embed for a notification. Cosmetics (footer, image,
// success color override) come from the system-wide defaults.
func renderEmbed(kind Kind, p events.Post, d WebhookDefaults) Embed {
	e := Embed{Timestamp: time.Now().UTC().Format(time.RFC3339)}
	if d.Footer != "" {
		e.Footer = &EmbedFooter{Text: d.Footer, IconURL: d.FooterIcon}
	}

	account := p.AccountName
	if account == "" {
		account = p.AccountID
	}
	server := p.ServerName
	if server == "" {
		server = p.TargetID
	}

	switch kind {
	case KindSent:
		e.Title = "Message Sent"
		e.Color = colorSuccess
		if d.Color != 0 {
			e.Color = d.Color
		}
		e.URL = p.ProfileURL
		e.Fields = []EmbedField{
			{Name: "Account", Value: account, Inline: true},
			{Name: "Server", Value: server, Inline: true},
			{Name: "Channel", Value: p.TargetID, Inline: true},
			{Name: "Total Sent", Value: strconv.FormatInt(p.SentTotal, 10), Inline: true},
			{Name: "Delay", Value: cadenceValue(p), Inline: true},
			{Name: "Uptime", Value: uptimeValue(p.Uptime), Inline: true},
		}
		if d.ImageURL != "" {
			e.Image = &EmbedImage{URL: d.ImageURL}
		}

	case KindTokenExpired:
		e.Title = "Token Expired"
		e.Color = colorError
		e.Description = "The account credential was rejected. The account and all of its channels have been deactivated."
		e.Fields = []EmbedField{
			{Name: "Account", Value: account, Inline: true},
			{Name: "Server", Value: server, Inline: true},
		}

	case KindPermissionDenied:
		e.Title = "Permission Denied"
		e.Color = colorError
		e.Description = "Posting to this channel is no longer allowed. The channel has been deactivated."
		e.Fields = []EmbedField{
			{Name: "Account", Value: account, Inline: true},
			{Name: "Server", Value: server, Inline: true},
			{Name: "Channel", Value: p.TargetID, Inline: true},
		}

	case KindUnexpectedError:
		e.Title = "Unexpected Error"
		e.Color = colorError
		e.Description = p.Detail
		e.Fields = []EmbedField{
			{Name: "Account", Value: account, Inline: true},
			{Name: "Server", Value: server, Inline: true},
			{Name: "Channel", Value: p.TargetID, Inline: true},
		}

	case KindSessionReset:
		e.Title = "Session Reset"
		e.Color = colorWarning
		e.Description = "The connection for this account was recycled: " + p.Detail
		e.Fields = []EmbedField{
			{Name: "Account", Value: account, Inline: true},
			{Name: "Server", Value: server, Inline: true},
		}

	case KindWorkerStopped:
		e.Title = "Worker Stopped"
		e.Color = colorInfo
		e.Fields = []EmbedField{
			{Name: "Account", Value: account, Inline: true},
			{Name: "Server", Value: server, Inline: true},
			{Name: "Sent This Run", Value: strconv.FormatInt(p.SentLocal, 10), Inline: true},
			{Name: "Uptime", Value: uptimeValue(p.Uptime), Inline: true},
		}
	}
	return e
}

func cadenceValue(p events.Post) string {
	s := p.BaseDelay.String()
	if p.Jitter != "" {
		s += " (+" + p.Jitter + ")"
	}
	return s
}

func uptimeValue(d time.Duration) string {
	return poster.FormatUptime(d)
}
