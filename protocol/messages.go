package protocol

// ProtocolVersion is the current wire protocol version, carried in the
// device_info handshake.
const ProtocolVersion = 1

// Message type discriminators. Unrecognized values are ignored by Decode,
// never rejected, so newer peers can add variants safely.
const (
	TypeDeviceInfo        = "device_info"
	TypePairRequest       = "pair_request"
	TypePairResponse      = "pair_response"
	TypeClipboard         = "clipboard"
	TypeNotification      = "notification"
	TypePlayback          = "playback"
	TypeCommand           = "command"
	TypeFileTransferOffer = "file_transfer"
	TypePing              = "ping"
)

// Message is implemented by every wire message variant.
type Message interface {
	MessageType() string
}

// DeviceInfo is the identity handshake exchanged on every new connection.
// PairProof carries a hashed shared secret when re-pairing.
type DeviceInfo struct {
	Type            string `json:"type"`
	DeviceID        string `json:"deviceId"`
	DeviceName      string `json:"deviceName"`
	PublicKey       string `json:"publicKey"`
	PairProof       string `json:"pairProof,omitempty"`
	ProtocolVersion int    `json:"protocolVersion"`
}

func (DeviceInfo) MessageType() string { return TypeDeviceInfo }

// PairRequest asks the peer to begin pairing; the verification code is
// confirmed out of band by the user on both devices.
type PairRequest struct {
	Type       string `json:"type"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	PublicKey  string `json:"publicKey"`
}

func (PairRequest) MessageType() string { return TypePairRequest }

// PairResponse accepts or rejects a pairing request.
type PairResponse struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
	Accepted bool   `json:"accepted"`
}

func (PairResponse) MessageType() string { return TypePairResponse }

// Clipboard carries shared clipboard content.
type Clipboard struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

func (Clipboard) MessageType() string { return TypeClipboard }

// Notification mirrors a notification posted on the remote device.
type Notification struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	AppName     string `json:"appName,omitempty"`
	Title       string `json:"title,omitempty"`
	Text        string `json:"text,omitempty"`
	Dismissable bool   `json:"dismissable,omitempty"`
}

func (Notification) MessageType() string { return TypeNotification }

// Playback carries media playback state and remote-control actions.
type Playback struct {
	Type       string `json:"type"`
	Action     string `json:"action"`
	Title      string `json:"title,omitempty"`
	Artist     string `json:"artist,omitempty"`
	PositionMs int64  `json:"positionMs,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

func (Playback) MessageType() string { return TypePlayback }

// Command invokes a named remote command.
type Command struct {
	Type string   `json:"type"`
	Name string   `json:"name"`
	Args []string `json:"args,omitempty"`
}

func (Command) MessageType() string { return TypeCommand }

// FileMetadata describes one file in a transfer batch.
type FileMetadata struct {
	Name      string `json:"name"`
	MimeType  string `json:"mimeType,omitempty"`
	SizeBytes int64  `json:"sizeBytes"`
}

// FileTransferOffer advertises an ephemeral transfer socket on the primary
// connection: where to connect and the one-time password that gates it.
type FileTransferOffer struct {
	Type       string         `json:"type"`
	TransferID string         `json:"transferId"`
	Port       int            `json:"port"`
	Password   string         `json:"password"`
	Files      []FileMetadata `json:"files"`
}

func (FileTransferOffer) MessageType() string { return TypeFileTransferOffer }

// Ping is a liveness probe; it requires no response fields.
type Ping struct {
	Type string `json:"type"`
}

func (Ping) MessageType() string { return TypePing }
