package enum

type RequestCode uint16

const (
	Register        RequestCode = 825
	SendPublicKey   RequestCode = 826
	Reconnect       RequestCode = 827
	SendFileChunk   RequestCode = 828
	ConfirmChecksum RequestCode = 900
	RetryUpload     RequestCode = 901
	AbandonUpload   RequestCode = 902
)

func (c RequestCode) String() string {
	switch c {
	case Register:
		return "register"
	case SendPublicKey:
		return "send_public_key"
	case Reconnect:
		return "reconnect"
	case SendFileChunk:
		return "send_file_chunk"
	case ConfirmChecksum:
		return "confirm_checksum"
	case RetryUpload:
		return "retry_upload"
	case AbandonUpload:
		return "abandon_upload"
	default:
		return "unknown"
	}
}
