// Package api exposes the command surface of a host over HTTP.
//
// Every command is posted as {"data": {...}} to /commands/{type}, where type
// is the Go type name of the command, e.g. /commands/AddNode.
package api

import (
	"encoding/json"
	"fmt"

	"github.com/codewandler/cimcore/internal/reflector"
)

type ExecuteCommandRequestBody[PAYLOAD any] struct {
	Data PAYLOAD `json:"data"` // Data is the payload of the command
}

func (c ExecuteCommandRequestBody[PAYLOAD]) RequestPayload() any { return c.Data }

func (c ExecuteCommandRequestBody[PAYLOAD]) getPayloadMessageType() string {
	var pl PAYLOAD
	if x, ok := any(pl).(interface{ MessageType() string }); ok {
		return x.MessageType()
	}
	return reflector.TypeInfoFor[PAYLOAD]().Name
}

func (c ExecuteCommandRequestBody[PAYLOAD]) MsgType() string {
	return fmt.Sprintf("cmd:request(%s)", c.getPayloadMessageType())
}

type decodeFunc func(data []byte) (any, error)

// commandRoute binds the type name of PAYLOAD to a decoder for its body.
type commandRoute struct {
	name   string
	decode decodeFunc
}

func route[PAYLOAD any]() commandRoute {
	var body ExecuteCommandRequestBody[PAYLOAD]
	return commandRoute{
		name: body.getPayloadMessageType(),
		decode: func(data []byte) (any, error) {
			var b ExecuteCommandRequestBody[PAYLOAD]
			if err := json.Unmarshal(data, &b); err != nil {
				return nil, fmt.Errorf("decode %s: %w", b.MsgType(), err)
			}
			return b.RequestPayload(), nil
		},
	}
}
