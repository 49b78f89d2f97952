package discord

import (
	"errors"

	"github.com/bwmarrin/discordgo"
)

// ErrNotDirectMessage indicates an operation targeted a channel that is not
// a DM channel.
var ErrNotDirectMessage = errors.New("channel is not a direct message channel")

// IsTerminalError reports whether a Discord API error can never succeed on
// retry: the target is gone or the bot lacks access. Rate limits, timeouts,
// and transport failures are not terminal.
func IsTerminalError(err error) bool {
	if errors.Is(err, ErrNotDirectMessage) {
		return true
	}
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) || rest.Message == nil {
		return false
	}
	switch rest.Message.Code {
	case discordgo.ErrCodeUnknownChannel,
		discordgo.ErrCodeUnknownMessage,
		discordgo.ErrCodeMissingAccess,
		discordgo.ErrCodeMissingPermissions:
		return true
	}
	return false
}
