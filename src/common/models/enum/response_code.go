package enum

type ResponseCode uint16

const (
	RegisteredOk    ResponseCode = 1600
	NameTaken       ResponseCode = 1601
	PublicKeyAck    ResponseCode = 1602
	UploadComplete  ResponseCode = 1603
	GenericAck      ResponseCode = 1604
	ReconnectOk     ResponseCode = 1605
	ReconnectFailed ResponseCode = 1606
	GeneralError    ResponseCode = 1607
	AwaitMoreFile   ResponseCode = 1608
	AwaitMoreChunks ResponseCode = 1609
)
