package protocol

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// MaxFrameSize is the maximum accepted primary-channel frame size.
const MaxFrameSize = 1 * 1024 * 1024

type envelope struct {
	Type string `json:"type"`
}

// Encode marshals a message as one newline-terminated JSON frame.
func Encode(msg Message) ([]byte, error) {
	payload, err := sonic.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s message: %w", msg.MessageType(), err)
	}
	return append(payload, '\n'), nil
}

// Decode parses one frame (without the trailing newline) into its message
// variant. Malformed JSON and unknown type discriminators yield nil rather
// than an error: one bad frame must not kill a long-lived read loop, it is
// simply dropped. Unknown fields are ignored for forward compatibility.
func Decode(line []byte) Message {
	var env envelope
	if err := sonic.Unmarshal(line, &env); err != nil {
		return nil
	}

	var msg Message
	switch env.Type {
	case TypeDeviceInfo:
		msg = &DeviceInfo{}
	case TypePairRequest:
		msg = &PairRequest{}
	case TypePairResponse:
		msg = &PairResponse{}
	case TypeClipboard:
		msg = &Clipboard{}
	case TypeNotification:
		msg = &Notification{}
	case TypePlayback:
		msg = &Playback{}
	case TypeCommand:
		msg = &Command{}
	case TypeFileTransferOffer:
		msg = &FileTransferOffer{}
	case TypePing:
		msg = &Ping{}
	default:
		return nil
	}

	if err := sonic.Unmarshal(line, msg); err != nil {
		return nil
	}
	return msg
}
