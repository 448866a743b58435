// Package message defines what travels inside a protocol frame: the RPC
// envelope and the inference payloads carried in it.
//
// RPCMessage gets serialized by the codec layer and wrapped in a protocol frame.
// The inference types (PredictRequest, PredictResponse, ...) are serialized to
// JSON and carried in RPCMessage.Payload.
package message

import "google.golang.org/grpc/status"

// RPCMessage carries the data for a single RPC request or response.
//
//   - On request:  ServiceMethod is set, Payload contains the serialized args.
//   - On response: Payload contains the serialized reply. A failed call has a
//     non-empty Error and a non-zero Code.
type RPCMessage struct {
	ServiceMethod string // "ServiceName.MethodName", e.g. "PredictionService.Predict"
	Code          uint32 // grpc codes.Code value, 0 (OK) on success
	Error         string
	Payload       []byte
}

// Failed reports whether the message describes a failed call.
func (m *RPCMessage) Failed() bool {
	return m.Error != "" || m.Code != 0
}

// ErrorReply builds the response to serviceMethod for a failed call. The
// status code is taken from err when it carries one and is Unknown otherwise.
func ErrorReply(serviceMethod string, err error) *RPCMessage {
	st := status.Convert(err)
	return &RPCMessage{
		ServiceMethod: serviceMethod,
		Code:          uint32(st.Code()),
		Error:         st.Message(),
	}
}
