// Package command maps normalized message text to a command kind.
package command

import (
	"strings"

	"vitalya/internal/config"
	"vitalya/internal/domain"
)

// Keyword returns the configured trigger keyword for kind, lowercased.
// An empty result means the command is disabled.
func Keyword(cmds config.CommandsConfig, kind domain.CommandKind) string {
	var kw string
	switch kind {
	case domain.CommandBreak:
		kw = cmds.Break
	case domain.CommandLiquidate:
		kw = cmds.Liquidate
	case domain.CommandCompress:
		kw = cmds.Compress
	case domain.CommandAddText:
		kw = cmds.AddText
	case domain.CommandGenerateSentences:
		kw = cmds.GenerateSentences
	case domain.CommandEcho:
		kw = cmds.Echo
	}
	return strings.ToLower(strings.TrimSpace(kw))
}

// Contains reports whether text contains the keyword configured for kind.
// Disabled commands never match.
func Contains(text string, cmds config.CommandsConfig, kind domain.CommandKind) bool {
	kw := Keyword(cmds, kind)
	if kw == "" {
		return false
	}
	return strings.Contains(strings.ToLower(text), kw)
}

// ResolveImage returns the highest-priority image command whose keyword is
// contained in text, or CommandNone.
func ResolveImage(text string, cmds config.CommandsConfig) domain.CommandKind {
	return firstMatch(text, cmds, domain.ImageCommands)
}

// ResolveText returns the highest-priority text command whose keyword is
// contained in text, or CommandNone.
func ResolveText(text string, cmds config.CommandsConfig) domain.CommandKind {
	return firstMatch(text, cmds, domain.TextCommands)
}

// Resolve picks from the image commands when the message carries a photo and
// from the text commands otherwise.
func Resolve(text string, cmds config.CommandsConfig, hasPhoto bool) domain.CommandKind {
	if hasPhoto {
		return ResolveImage(text, cmds)
	}
	return ResolveText(text, cmds)
}

func firstMatch(text string, cmds config.CommandsConfig, order []domain.CommandKind) domain.CommandKind {
	for _, kind := range order {
		if Contains(text, cmds, kind) {
			return kind
		}
	}
	return domain.CommandNone
}
