package router

import (
	"strings"
	"time"

	"relaybot/internal/relay"
	kit "relaybot/internal/transport"
	"relaybot/pkg/tgui"
)

// parseUpdate turns an inbound update into a relay input. Group chats and
// foreign callbacks are ignored.
func parseUpdate(up kit.Update, now time.Time) (relay.Input, bool) {
	switch up.Kind {
	case kit.UpdateMessage, kit.UpdateContent:
		return parseMessage(up, now)
	case kit.UpdateCallback:
		return parseCallback(up.Callback, now)
	}
	return relay.Input{}, false
}

func parseMessage(up kit.Update, now time.Time) (relay.Input, bool) {
	msg := up.Message
	if msg == nil || msg.IsGroup || msg.FromID == 0 {
		return relay.Input{}, false
	}
	in := relay.Input{
		Operator: msg.FromID,
		Username: msg.FromUsername,
		ChatID:   msg.ChatID,
		Text:     msg.Text,
		Source:   relay.StagedMessage{ChatID: msg.ChatID, MessageID: msg.ID},
		At:       now,
	}
	if up.Kind == kit.UpdateContent {
		in.Kind = relay.InputContent
		return in, true
	}

	text := strings.TrimSpace(msg.Text)
	if word, ok := commandWord(text); ok {
		if it, ok := slashIntents[word]; ok {
			in.Kind = relay.InputIntent
			in.Intent = it
			return in, true
		}
		in.Kind = relay.InputText
		return in, true
	}
	if it, ok := labelIntents[text]; ok {
		in.Kind = relay.InputIntent
		in.Intent = it
		return in, true
	}
	in.Kind = relay.InputText
	return in, true
}

func parseCallback(cb *kit.Callback, now time.Time) (relay.Input, bool) {
	if cb == nil || cb.FromID == 0 {
		return relay.Input{}, false
	}
	scope, action, payload, ok := tgui.ParseData(cb.Data)
	if !ok || scope != callbackScope || action != callbackConfirm {
		return relay.Input{}, false
	}
	in := relay.Input{
		Operator: cb.FromID,
		ChatID:   cb.ChatID,
		Kind:     relay.InputIntent,
		At:       now,
	}
	switch payload {
	case "yes":
		in.Intent = relay.IntentConfirm
	case "no":
		in.Intent = relay.IntentDeny
	default:
		return relay.Input{}, false
	}
	return in, true
}

// commandName is the log label of a parsed input.
func commandName(in relay.Input) string {
	switch in.Kind {
	case relay.InputIntent:
		return in.Intent.String()
	case relay.InputContent:
		return "content"
	default:
		return "text"
	}
}
