package relay

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// ChoiceAll is the broadcast target choice meaning every registered channel.
const ChoiceAll = "All"

const (
	msgDenied           = "You are not authorized to use this bot."
	msgOwnerOnly        = "Only the owner can do that."
	msgStorage          = "Saving failed and nothing was changed. Please try again."
	msgNothingToCancel  = "Nothing to cancel."
	msgCancelled        = "Cancelled."
	msgNothingToConfirm = "Nothing to confirm."
	msgDiscarded        = "Discarded, nothing was changed."
	msgUseMenu          = "Use the menu below, or forward content here to stage it."
	msgNoChannels       = "You have no channels registered."
	msgNoStaged         = "Nothing is staged."
	msgNoAdmins         = "There are no admins."

	promptChannelHandle = "Send the channel @username or numeric id.\nThe bot must be an admin there with permission to post."
	promptRemoveChannel = "Which channel should be removed?"
	promptStage         = "Send or forward the content to stage."
	promptAddAdmin      = "Send the numeric Telegram user id of the new admin."
	promptRemoveAdmin   = "Which admin should be removed? Send the numeric user id."
)

func greeting(role Role) string {
	return "Welcome! You are signed in as " + role.String() + ".\n\n" + helpText(role)
}

func helpText(role Role) string {
	var b strings.Builder
	b.WriteString("How it works:\n")
	b.WriteString("1. Add up to a few channels where this bot can post.\n")
	b.WriteString("2. Stage content: send or forward messages to the bot.\n")
	b.WriteString("3. Broadcast the staged messages to one, several or all channels.\n\n")
	b.WriteString("Commands: /add /remove /channels /stage /staged /clear /broadcast /cancel")
	if role == RoleOwner {
		b.WriteString("\nOwner: /admins /addadmin /removeadmin /allusers")
	}
	return b.String()
}

// describe turns a classified error into the operator-facing reason.
func describe(err error) string {
	var ce *CooldownError
	var ve *ValidationError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ce):
		return "Broadcast cooldown is active. Try again in " + formatWait(ce.Remaining) + "."
	case errors.As(err, &ve):
		return sentence(ve.Reason)
	case errors.Is(err, ErrAuthorizationDenied):
		return msgDenied
	case errors.Is(err, ErrStorage):
		return msgStorage
	case errors.Is(err, ErrLimitExceeded):
		return sentence(reason(err, ErrLimitExceeded)) + " Limit reached."
	case errors.Is(err, ErrDuplicate):
		return sentence(reason(err, ErrDuplicate))
	case errors.Is(err, ErrNotFound):
		return sentence(reason(err, ErrNotFound))
	case errors.Is(err, ErrNothingToSend):
		return sentence(reason(err, ErrNothingToSend))
	default:
		return "Something went wrong: " + err.Error()
	}
}

// reason strips the trailing sentinel text from a wrapped error message.
func reason(err, sentinel error) string {
	s := err.Error()
	if s == sentinel.Error() {
		return s
	}
	return strings.TrimSuffix(s, ": "+sentinel.Error())
}

func sentence(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	r, n := utf8.DecodeRuneInString(s)
	s = string(unicode.ToUpper(r)) + s[n:]
	if !strings.HasSuffix(s, ".") {
		s += "."
	}
	return s
}

func formatWait(d time.Duration) string {
	if d < time.Second {
		d = time.Second
	}
	return d.Round(time.Second).String()
}

func renderChannels(list []Channel, limit int) string {
	if len(list) == 0 {
		return msgNoChannels
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Your channels (%d/%d):", len(list), limit)
	for i, c := range list {
		fmt.Fprintf(&b, "\n%d. %s", i+1, c.Label())
	}
	return b.String()
}

func renderStaged(list []StagedMessage) string {
	if len(list) == 0 {
		return msgNoStaged
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d message(s) staged, in broadcast order:", len(list))
	for i, m := range list {
		fmt.Fprintf(&b, "\n%d. message %d from chat %d", i+1, m.MessageID, m.ChatID)
	}
	return b.String()
}

func renderAdmins(ids []int64) string {
	if len(ids) == 0 {
		return msgNoAdmins
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Admins (%d):", len(ids))
	for _, id := range ids {
		b.WriteString("\n- ")
		b.WriteString(strconv.FormatInt(id, 10))
	}
	return b.String()
}

func renderOverview(rows []OperatorChannels, owner int64) string {
	if len(rows) == 0 {
		return "No operator has registered a channel yet."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Operators with channels (%d):", len(rows))
	for _, r := range rows {
		tag := ""
		if r.Operator == owner {
			tag = " (owner)"
		}
		fmt.Fprintf(&b, "\n\n%d%s: %d channel(s)", r.Operator, tag, len(r.Channels))
		for _, c := range r.Channels {
			b.WriteString("\n  ")
			b.WriteString(c.Label())
		}
	}
	return b.String()
}

const maxReportedFailures = 10

func renderReport(rep Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Broadcast finished: %d/%d delivered.", rep.Succeeded, rep.Attempted)
	for _, t := range rep.Channels {
		fmt.Fprintf(&b, "\n%s: %d/%d", DisplayHandle(t.Channel.Handle), t.Succeeded, t.Succeeded+t.Failed)
	}
	if len(rep.Failures) > 0 {
		b.WriteString("\n\nFailures:")
		for i, f := range rep.Failures {
			if i == maxReportedFailures {
				fmt.Fprintf(&b, "\n... and %d more", len(rep.Failures)-i)
				break
			}
			fmt.Fprintf(&b, "\n- %s, message %d: %s", DisplayHandle(f.Channel), f.Message.MessageID, truncateRunes(f.Reason, 120))
		}
	}
	return b.String()
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

func isAffirmative(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y":
		return true
	}
	return false
}

// parseSelector reads a broadcast target answer: "All", or handles
// separated by commas and/or spaces.
func parseSelector(s string) (TargetSelector, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, ChoiceAll) {
		return SelectAll(), nil
	}
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || unicode.IsSpace(r) })
	if len(parts) == 0 {
		return TargetSelector{}, invalid("choose All or one or more of your channels")
	}
	return SelectHandles(parts...), nil
}

// parseOperatorID reads a positive numeric Telegram user id.
func parseOperatorID(s string) (int64, error) {
	s = strings.TrimSpace(s)
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, invalid(fmt.Sprintf("%q is not a numeric user id", truncateRunes(s, 32)))
	}
	return id, nil
}
