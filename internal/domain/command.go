package domain

// CommandKind is the resolved intent of a message.
type CommandKind string

const (
	CommandNone              CommandKind = ""
	CommandBreak             CommandKind = "break"
	CommandLiquidate         CommandKind = "liquidate"
	CommandCompress          CommandKind = "compress"
	CommandAddText           CommandKind = "add_text"
	CommandGenerateSentences CommandKind = "generate_sentences"
	CommandEcho              CommandKind = "echo"
)

// ImageCommands lists the image commands in priority order.
var ImageCommands = []CommandKind{CommandBreak, CommandLiquidate, CommandCompress, CommandAddText}

// TextCommands lists the text commands in priority order.
var TextCommands = []CommandKind{CommandGenerateSentences, CommandEcho}

// IsImage reports whether the kind selects an image transform.
func (k CommandKind) IsImage() bool {
	for _, c := range ImageCommands {
		if c == k {
			return true
		}
	}
	return false
}

func (k CommandKind) String() string {
	if k == CommandNone {
		return "none"
	}
	return string(k)
}

// ParseCommandKind maps a name such as "break" or "add_text" to its kind.
func ParseCommandKind(name string) (CommandKind, bool) {
	for _, c := range append(append([]CommandKind{}, ImageCommands...), TextCommands...) {
		if string(c) == name {
			return c, true
		}
	}
	if name == "addtext" {
		return CommandAddText, true
	}
	return CommandNone, false
}
