package client

import (
	"fmt"

	"github.com/ValentinKolb/dLock/rpc/common"
	"github.com/ValentinKolb/dLock/rpc/serializer"
	"github.com/ValentinKolb/dLock/rpc/transport"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("client")
)

// invokeRPCRequest serializes req, sends it and returns the decoded response.
// Only transport and decoding failures are errors.
func invokeRPCRequest(req *common.Message, transport transport.IRPCClientTransport, serializer serializer.IRPCSerializer) (*common.Message, error) {
	reqBytes, err := serializer.Serialize(*req)
	if err != nil {
		return nil, err
	}

	respBytes, err := transport.Send(reqBytes)
	if err != nil {
		return nil, err
	}

	resp := &common.Message{}
	if err := serializer.Deserialize(respBytes, resp); err != nil {
		return nil, fmt.Errorf("failed to decode response to %s: %w", req.Action, err)
	}

	if resp.Status == common.StatusNone || resp.IsPush() {
		return nil, fmt.Errorf("unexpected response to %s: %q", req.Action, resp.Status)
	}

	return resp, nil
}
