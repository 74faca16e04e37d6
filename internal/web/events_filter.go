package web

import (
	"net/http"
	"strings"

	"qualitybots/internal/events"
)

type eventFilter struct {
	token     string
	clientID  string
	itemID    string
	eventType string
}

func parseEventFilter(r *http.Request) eventFilter {
	query := r.URL.Query()
	return eventFilter{
		token:     strings.TrimSpace(query.Get("token")),
		clientID:  strings.TrimSpace(query.Get("client_id")),
		itemID:    strings.TrimSpace(query.Get("item_id")),
		eventType: strings.TrimSpace(query.Get("type")),
	}
}

func (f eventFilter) Matches(event events.Event) bool {
	if f.token != "" && event.Token != f.token {
		return false
	}
	if f.clientID != "" && event.ClientID != f.clientID {
		return false
	}
	if f.itemID != "" && event.ItemID != f.itemID {
		return false
	}
	if f.eventType != "" && event.Type != f.eventType {
		return false
	}
	return true
}
