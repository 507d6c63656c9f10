package handler

import "github.com/maxogod/secure-upload/src/common/protocol"

// RequestHandler maps one request to the response the server sends back.
type RequestHandler interface {
	// Handle decodes the payload announced by the header, applies the request
	// to the client's session and returns the response. It never fails: every
	// error becomes the matching failure response. Malformed payloads and
	// unknown codes get a GeneralError and leave every session untouched.
	Handle(header protocol.RequestHeader, payload []byte) protocol.Response
}
