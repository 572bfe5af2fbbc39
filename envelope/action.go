package envelope

// Action selects the agent-side handler for a request.
// The set is closed; anything the agent doesn't recognize parses to ActionUnknown.
type Action uint8

const (
	ActionUnknown Action = iota
	ActionExecute
	ActionAutocomplete
	ActionSamples
	ActionEmulate
	ActionUpload
	ActionEcho
)

var actionNames = [...]string{
	ActionUnknown:      "",
	ActionExecute:      "execute",
	ActionAutocomplete: "autocomplete",
	ActionSamples:      "samples",
	ActionEmulate:      "emulate",
	ActionUpload:       "upload",
	ActionEcho:         "echo",
}

// Actions returns every known action, in declaration order.
func Actions() []Action {
	return []Action{ActionExecute, ActionAutocomplete, ActionSamples, ActionEmulate, ActionUpload, ActionEcho}
}

// String returns the wire name of the action.
func (a Action) String() string {
	if int(a) < len(actionNames) {
		return actionNames[a]
	}
	return ""
}

// ParseAction maps a wire name to an Action, returning ActionUnknown for unrecognized names.
func ParseAction(s string) Action {
	for i, name := range actionNames {
		if i != int(ActionUnknown) && name == s {
			return Action(i)
		}
	}
	return ActionUnknown
}
