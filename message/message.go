// Package message defines what travels inside a protocol frame: the RPCMessage
// envelope and the modelpool request/response payloads carried in it.
package message

import (
	"fmt"
	"strings"
)

// RPCMessage carries the data for a single RPC request or response.
//
//   - On request:  ServiceMethod is set, Payload contains the serialized args, Error is empty.
//   - On response: Payload contains the serialized reply, Error is non-empty if the call failed.
type RPCMessage struct {
	ServiceMethod string // "ServiceName.MethodName", e.g. "ModelPoolService.GetModelList"
	Error         string // Non-empty if the server-side handler returned an error
	Payload       []byte // JSON-encoded args (request) or reply (response)
}

// SplitServiceMethod breaks "Service.Method" into its two parts.
func SplitServiceMethod(serviceMethod string) (service, method string, err error) {
	service, method, ok := strings.Cut(serviceMethod, ".")
	if !ok || service == "" || method == "" || strings.Contains(method, ".") {
		return "", "", fmt.Errorf("invalid service method format: %q", serviceMethod)
	}
	return service, method, nil
}
