// Package messages provides constructors for the commands a server
// sends to field nodes.
package messages

import (
	"encoding/json"

	"github.com/alessio-palumbo/fieldnode-go/pkg/protocol"
)

// Reset instructs a node to perform a soft reset.
func Reset() *protocol.Command {
	return &protocol.Command{Type: protocol.CommandReset}
}

// SetVariable sets a named variable on a node. The value may be any
// JSON-encodable type.
func SetVariable(key string, value any) (*protocol.Command, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return &protocol.Command{
		Type:  protocol.CommandSetVariable,
		Key:   key,
		Value: raw,
	}, nil
}

// GetVariable requests the current value of a named variable; the node
// answers with a variable_changed event.
func GetVariable(key string) *protocol.Command {
	return &protocol.Command{Type: protocol.CommandGetVariable, Key: key}
}

// FirmwareUpdate instructs a node to fetch and flash a firmware image.
func FirmwareUpdate(url string) *protocol.Command {
	return &protocol.Command{Type: protocol.CommandFirmwareUpdate, URL: url}
}
