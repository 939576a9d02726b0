// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lksdk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/livekit/protocol/livekit"
)

const (
	defaultRPCTimeout  = 10 * time.Second
	maxRPCPayloadBytes = 15 * 1024
)

// RpcError is returned to the caller of Room.PerformRPC when the remote
// method handler fails, or when the call could not be delivered or timed
// out. The RpcErrCode constants (1401-1408) mark delivery, size and timeout
// failures; 1500 marks a handler that returned an error other than an
// *RpcError.
type RpcError struct {
	Code    uint32
	Message string
	Data    string
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

const (
	RpcErrCodeUnsupportedMethod uint32 = 1401
	RpcErrCodeRecipientNotFound uint32 = 1402
	RpcErrCodeRequestPayloadTooLarge uint32 = 1403
	RpcErrCodeResponsePayloadTooLarge uint32 = 1404
	RpcErrCodeConnectionTimeout uint32 = 1405
	RpcErrCodeResponseTimeout uint32 = 1406
	RpcErrCodeUnsupportedServer uint32 = 1407
	RpcErrCodeUnsupportedVersion uint32 = 1408
)

func rpcErrorFromProto(p *livekit.RpcError) *RpcError {
	if p == nil {
		return nil
	}
	return &RpcError{Code: p.Code, Message: p.Message, Data: p.Data}
}

func (e *RpcError) toProto() *livekit.RpcError {
	return &livekit.RpcError{Code: e.Code, Message: e.Message, Data: e.Data}
}

// RPCHandler answers an incoming remote procedure call. The returned string
// becomes the payload of the RpcResponse; a non-nil error is translated into
// an RpcError sent back to the caller instead.
type RPCHandler func(ctx context.Context, callerIdentity, payload string) (string, error)

type rpcPendingCall struct {
	resultCh chan rpcPendingResult
}

type rpcPendingResult struct {
	payload string
	rpcErr  *RpcError
}

// rpcManager tracks outstanding local RPC calls and registered method
// handlers, mirroring the contract rpc_manager.h describes: callers block on
// a result, and each arriving request runs its handler (the engine calls
// handleRequest on a new goroutine per request).
type rpcManager struct {
	mu       sync.Mutex
	pending  map[string]*rpcPendingCall
	handlers map[string]RPCHandler

	sendPacket func(kind DataPacketKind, dp *livekit.DataPacket) error
	localID    func() string

	// OnResult mirrors on_rpc_result: invoked once per completed call, in
	// addition to unblocking the caller waiting in performRPC, so a Room can
	// observe RPC completions asynchronously too.
	OnResult func(requestID, payload string, rpcErr *RpcError)
}

func newRPCManager(send func(kind DataPacketKind, dp *livekit.DataPacket) error, localID func() string) *rpcManager {
	return &rpcManager{
		pending:    make(map[string]*rpcPendingCall),
		handlers:   make(map[string]RPCHandler),
		sendPacket: send,
		localID:    localID,
	}
}

func (m *rpcManager) registerHandler(method string, h RPCHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[method] = h
}

func (m *rpcManager) unregisterHandler(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, method)
}

// performRPC sends a request to destinationIdentity and blocks until a
// response arrives, or ctx/timeout elapses. An ack is not waited for.
func (m *rpcManager) performRPC(ctx context.Context, destinationIdentity, method, payload string, timeout time.Duration) (string, error) {
	if len(payload) > maxRPCPayloadBytes {
		return "", &RpcError{Code: RpcErrCodeRequestPayloadTooLarge, Message: "request payload too large"}
	}
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}

	requestID := uuid.NewString()
	call := &rpcPendingCall{resultCh: make(chan rpcPendingResult, 1)}

	m.mu.Lock()
	m.pending[requestID] = call
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, requestID)
		m.mu.Unlock()
	}()

	req := &livekit.RpcRequest{
		Id:                requestID,
		Method:            method,
		Payload:           payload,
		ResponseTimeoutMs: uint32(timeout.Milliseconds()),
		Version:           1,
	}
	dp := &livekit.DataPacket{
		DestinationIdentities: []string{destinationIdentity},
		Value:                 &livekit.DataPacket_RpcRequest{RpcRequest: req},
	}
	if err := m.sendPacket(DataPacketKindReliable, dp); err != nil {
		return "", &RpcError{Code: RpcErrCodeConnectionTimeout, Message: err.Error()}
	}

	select {
	case res := <-call.resultCh:
		if res.rpcErr != nil {
			return "", res.rpcErr
		}
		return res.payload, nil
	case <-time.After(timeout):
		return "", &RpcError{Code: RpcErrCodeResponseTimeout, Message: "rpc response timed out"}
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// handleAck is invoked by the engine when an RpcAck arrives for one of our
// pending calls. It exists purely for completeness against rpc_manager.h's
// on_result contract; the ack itself carries no payload, so it is a no-op
// beyond bookkeeping.
func (m *rpcManager) handleAck(requestID string) {
	m.mu.Lock()
	_, ok := m.pending[requestID]
	m.mu.Unlock()
	if !ok {
		return
	}
}

// handleResponse delivers an RpcResponse to the caller blocked in performRPC.
func (m *rpcManager) handleResponse(resp *livekit.RpcResponse) {
	m.mu.Lock()
	call, ok := m.pending[resp.RequestId]
	m.mu.Unlock()
	if !ok {
		return
	}
	result := rpcPendingResult{}
	switch v := resp.Value.(type) {
	case *livekit.RpcResponse_Payload:
		result.payload = v.Payload
	case *livekit.RpcResponse_Error:
		result.rpcErr = rpcErrorFromProto(v.Error)
	}
	select {
	case call.resultCh <- result:
	default:
	}
	if m.OnResult != nil {
		m.OnResult(resp.RequestId, result.payload, result.rpcErr)
	}
}

// handleRequest is invoked by the engine when a remote RpcRequest addressed
// to us arrives. It acks immediately, then runs the handler (if any is
// registered) and sends the response before returning.
func (m *rpcManager) handleRequest(ctx context.Context, callerIdentity string, req *livekit.RpcRequest) {
	ack := &livekit.DataPacket{
		DestinationIdentities: []string{callerIdentity},
		Value: &livekit.DataPacket_RpcAck{RpcAck: &livekit.RpcAck{
			RequestId: req.Id,
		}},
	}
	_ = m.sendPacket(DataPacketKindReliable, ack)

	m.mu.Lock()
	handler, ok := m.handlers[req.Method]
	m.mu.Unlock()

	resp := &livekit.RpcResponse{RequestId: req.Id}
	if !ok {
		resp.Value = &livekit.RpcResponse_Error{Error: (&RpcError{
			Code:    RpcErrCodeUnsupportedMethod,
			Message: fmt.Sprintf("no handler registered for method %q", req.Method),
		}).toProto()}
	} else {
		callCtx, cancel := context.WithTimeout(ctx, time.Duration(req.ResponseTimeoutMs)*time.Millisecond)
		payload, err := handler(callCtx, callerIdentity, req.Payload)
		cancel()
		if err != nil {
			var rpcErr *RpcError
			if e, ok := err.(*RpcError); ok {
				rpcErr = e
			} else {
				rpcErr = &RpcError{Code: 1500, Message: err.Error()}
			}
			resp.Value = &livekit.RpcResponse_Error{Error: rpcErr.toProto()}
		} else if len(payload) > maxRPCPayloadBytes {
			resp.Value = &livekit.RpcResponse_Error{Error: (&RpcError{
				Code:    RpcErrCodeResponsePayloadTooLarge,
				Message: "response payload too large",
			}).toProto()}
		} else {
			resp.Value = &livekit.RpcResponse_Payload{Payload: payload}
		}
	}

	dp := &livekit.DataPacket{
		DestinationIdentities: []string{callerIdentity},
		Value:                 &livekit.DataPacket_RpcResponse{RpcResponse: resp},
	}
	_ = m.sendPacket(DataPacketKindReliable, dp)
}
