package relay

import "time"

// Intent is the closed set of operator commands recognized at the input boundary.
type Intent int

const (
	IntentNone Intent = iota
	IntentStart
	IntentHelp
	IntentCancel
	IntentConfirm
	IntentDeny
	IntentAddChannel
	IntentRemoveChannel
	IntentListChannels
	IntentStage
	IntentListStaged
	IntentClearStaged
	IntentBroadcast
	IntentAddAdmin
	IntentRemoveAdmin
	IntentListAdmins
	IntentOverview
)

var intentNames = [...]string{
	IntentNone:          "none",
	IntentStart:         "start",
	IntentHelp:          "help",
	IntentCancel:        "cancel",
	IntentConfirm:       "confirm",
	IntentDeny:          "deny",
	IntentAddChannel:    "add_channel",
	IntentRemoveChannel: "remove_channel",
	IntentListChannels:  "list_channels",
	IntentStage:         "stage",
	IntentListStaged:    "list_staged",
	IntentClearStaged:   "clear_staged",
	IntentBroadcast:     "broadcast",
	IntentAddAdmin:      "add_admin",
	IntentRemoveAdmin:   "remove_admin",
	IntentListAdmins:    "list_admins",
	IntentOverview:      "overview",
}

func (i Intent) String() string {
	if i >= 0 && int(i) < len(intentNames) {
		return intentNames[i]
	}
	return "unknown"
}

// OwnerOnly reports whether the intent requires the Owner role.
func (i Intent) OwnerOnly() bool {
	switch i {
	case IntentAddAdmin, IntentRemoveAdmin, IntentListAdmins, IntentOverview:
		return true
	}
	return false
}

type InputKind int

const (
	// InputText is free text that is not a recognized intent.
	InputText InputKind = iota
	// InputIntent is a menu label, slash command or inline button.
	InputIntent
	// InputContent is media or a forwarded message.
	InputContent
)

// Input is one parsed inbound event from an operator.
type Input struct {
	Operator int64
	Username string
	ChatID   int64

	Kind   InputKind
	Intent Intent
	Text   string
	// Source references the inbound message itself so it can be staged.
	Source StagedMessage
	At     time.Time
}

// Keyboard tells the transport which keyboard to attach to a reply.
type Keyboard int

const (
	KeyboardKeep Keyboard = iota
	KeyboardMain
	KeyboardCancel
	KeyboardChoices
	KeyboardConfirm
)

// Reply is one plain-text answer to the operator.
type Reply struct {
	Text     string
	Keyboard Keyboard
	// Choices are the buttons for KeyboardChoices, laid out one per row.
	Choices []string
	// Role selects the main menu variant for KeyboardMain.
	Role Role
}

// Result is the outcome of one Handle call. Err classifies the step
// (nil on success) and is already reflected in Replies.
type Result struct {
	Replies []Reply
	Err     error
	State   State
}
