package router

import (
	"strings"

	tele "gopkg.in/telebot.v4"

	"relaybot/internal/relay"
	kit "relaybot/internal/transport"
	"relaybot/pkg/tgui"
)

// Reply keyboard labels. Pressing a button sends the label as text.
const (
	LabelAddChannel    = "➕ Add channel"
	LabelRemoveChannel = "➖ Remove channel"
	LabelListChannels  = "📋 My channels"
	LabelStage         = "📝 Stage content"
	LabelListStaged    = "📦 Staged"
	LabelClearStaged   = "🧹 Clear staged"
	LabelBroadcast     = "📣 Broadcast"
	LabelHelp          = "❓ Help"
	LabelCancel        = "✖️ Cancel"
	LabelAddAdmin      = "👤 Add admin"
	LabelRemoveAdmin   = "🚫 Remove admin"
	LabelListAdmins    = "👥 Admins"
	LabelOverview      = "🗂 All users"
)

const (
	callbackScope   = "relay"
	callbackConfirm = "confirm"
)

var labelIntents = map[string]relay.Intent{
	LabelAddChannel:    relay.IntentAddChannel,
	LabelRemoveChannel: relay.IntentRemoveChannel,
	LabelListChannels:  relay.IntentListChannels,
	LabelStage:         relay.IntentStage,
	LabelListStaged:    relay.IntentListStaged,
	LabelClearStaged:   relay.IntentClearStaged,
	LabelBroadcast:     relay.IntentBroadcast,
	LabelHelp:          relay.IntentHelp,
	LabelCancel:        relay.IntentCancel,
	LabelAddAdmin:      relay.IntentAddAdmin,
	LabelRemoveAdmin:   relay.IntentRemoveAdmin,
	LabelListAdmins:    relay.IntentListAdmins,
	LabelOverview:      relay.IntentOverview,
}

type slashCommand struct {
	Name        string
	Intent      relay.Intent
	Description string
}

// slashCommands is also the Telegram command menu, in display order.
var slashCommands = []slashCommand{
	{"start", relay.IntentStart, "show the main menu"},
	{"help", relay.IntentHelp, "how the relay works"},
	{"add", relay.IntentAddChannel, "register a channel"},
	{"remove", relay.IntentRemoveChannel, "unregister a channel"},
	{"channels", relay.IntentListChannels, "list your channels"},
	{"stage", relay.IntentStage, "stage content for broadcast"},
	{"staged", relay.IntentListStaged, "list staged content"},
	{"clear", relay.IntentClearStaged, "clear staged content"},
	{"broadcast", relay.IntentBroadcast, "send staged content to channels"},
	{"cancel", relay.IntentCancel, "cancel the current step"},
	{"admins", relay.IntentListAdmins, "list admins"},
	{"addadmin", relay.IntentAddAdmin, "grant admin access"},
	{"removeadmin", relay.IntentRemoveAdmin, "revoke admin access"},
	{"allusers", relay.IntentOverview, "channels of every operator"},
}

var slashIntents = func() map[string]relay.Intent {
	m := make(map[string]relay.Intent, len(slashCommands))
	for _, c := range slashCommands {
		m[c.Name] = c.Intent
	}
	return m
}()

// menuCommands builds the setMyCommands list. Owner-only entries are marked.
func menuCommands() []kit.BotCommand {
	out := make([]kit.BotCommand, 0, len(slashCommands))
	for _, c := range slashCommands {
		desc := c.Description
		if c.Intent.OwnerOnly() {
			desc = "🔒 " + desc
		}
		out = append(out, kit.BotCommand{Command: c.Name, Description: desc})
	}
	return out
}

func mainMenu(role relay.Role) *tgui.Keyboard {
	kb := tgui.NewKeyboard().Placeholder("Pick an action").Grid(2,
		LabelAddChannel, LabelRemoveChannel,
		LabelListChannels, LabelStage,
		LabelListStaged, LabelClearStaged,
		LabelBroadcast, LabelHelp,
	)
	if role == relay.RoleOwner {
		kb.Grid(2, LabelAddAdmin, LabelRemoveAdmin, LabelListAdmins, LabelOverview)
	}
	return kb
}

var (
	confirmYes = mustData(callbackScope, callbackConfirm, "yes")
	confirmNo  = mustData(callbackScope, callbackConfirm, "no")
)

func mustData(scope, action, payload string) string {
	d, err := tgui.CheckedData(scope, action, payload)
	if err != nil {
		panic(err)
	}
	return d
}

// markupFor renders the keyboard a reply asks for. nil keeps the current one.
func markupFor(r relay.Reply) *tele.ReplyMarkup {
	switch r.Keyboard {
	case relay.KeyboardMain:
		return mainMenu(r.Role).Markup()
	case relay.KeyboardCancel:
		return tgui.NewKeyboard().Row(LabelCancel).Markup()
	case relay.KeyboardChoices:
		kb := tgui.NewKeyboard()
		for _, c := range r.Choices {
			kb.Row(c)
		}
		return kb.Row(LabelCancel).OneTime().Markup()
	case relay.KeyboardConfirm:
		return tgui.Confirm(confirmYes, confirmNo).Markup()
	default:
		return nil
	}
}

// commandWord extracts "name" from "/name@bot args...".
func commandWord(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	word := strings.TrimPrefix(strings.Fields(text)[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	return strings.ToLower(word), word != ""
}
