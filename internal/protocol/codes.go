package protocol

// Request and response codes carried in the frame header. The concrete
// values are arbitrary but must match across every node of one deployment
// and across client builds.
const (
	ReqLogin1        uint64 = 0x01 // payload: username (string)
	ReqLogin2        uint64 = 0x02 // payload: password (string)
	ReqListUsers     uint64 = 0x03 // no payload
	ReqListMessages  uint64 = 0x04 // payload: friend (string)
	ReqSendMsg       uint64 = 0x05 // payload: [recipient, content]
	ReqReadMsg       uint64 = 0x06 // payload: sender (string)
	ReqDeleteMsg     uint64 = 0x07 // payload: message id (string)
	ReqDeleteAccount uint64 = 0x08 // no payload
	ReqPing          uint64 = 0x09 // payload: username (string)

	RespUserExisting    uint64 = 0x65 // no payload
	RespUserNotExisting uint64 = 0x66 // no payload
	RespLoginSuccess    uint64 = 0x67 // payload: list of usernames
	RespLoginFailed     uint64 = 0x68 // no payload
	RespListUsers       uint64 = 0x69 // payload: map username -> unread count
	RespListMessages    uint64 = 0x6A // payload: list of messages, ts ascending
)
