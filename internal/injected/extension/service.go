// Package extension talks to a host signing extension over gRPC.
package extension

import (
	"context"

	"google.golang.org/grpc"

	"github.com/ashureev/walletlink/internal/signing"
)

const serviceName = "walletlink.extension.v1.Extension"

const (
	methodEnable        = "/" + serviceName + "/Enable"
	methodGetAccounts   = "/" + serviceName + "/GetAccounts"
	methodSignDirect    = "/" + serviceName + "/SignDirect"
	methodWatchKeystore = "/" + serviceName + "/WatchKeystore"
)

type EnableRequest struct {
	ChainID string `json:"chain_id"`
}

type EnableResponse struct{}

type AccountsRequest struct {
	ChainID string `json:"chain_id"`
}

type AccountsResponse struct {
	Accounts []signing.AccountData `json:"accounts"`
}

type SignRequest struct {
	ChainID string          `json:"chain_id"`
	Signer  string          `json:"signer"`
	Doc     signing.SignDoc `json:"sign_doc"`
}

type SignResponse struct {
	Response signing.DirectSignResponse `json:"response"`
}

type WatchRequest struct{}

// KeystoreEvent is sent each time the user switches keys.
type KeystoreEvent struct {
	Name string `json:"name,omitempty"`
}

// ExtensionServer is implemented by signing extensions.
//
// Implementations report a declined prompt with codes.PermissionDenied.
type ExtensionServer interface {
	Enable(context.Context, *EnableRequest) (*EnableResponse, error)
	GetAccounts(context.Context, *AccountsRequest) (*AccountsResponse, error)
	SignDirect(context.Context, *SignRequest) (*SignResponse, error)
	WatchKeystore(*WatchRequest, KeystoreStream) error
}

// KeystoreStream is the server side of WatchKeystore.
type KeystoreStream interface {
	Send(*KeystoreEvent) error
	grpc.ServerStream
}

type keystoreStream struct {
	grpc.ServerStream
}

func (s *keystoreStream) Send(ev *KeystoreEvent) error {
	return s.ServerStream.SendMsg(ev)
}

// RegisterExtensionServer registers srv with s.
func RegisterExtensionServer(s grpc.ServiceRegistrar, srv ExtensionServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ExtensionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Enable", Handler: enableHandler},
		{MethodName: "GetAccounts", Handler: accountsHandler},
		{MethodName: "SignDirect", Handler: signHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "WatchKeystore", Handler: watchHandler, ServerStreams: true},
	},
}

func enableHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(EnableRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExtensionServer).Enable(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodEnable}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ExtensionServer).Enable(ctx, req.(*EnableRequest))
	})
}

func accountsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AccountsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExtensionServer).GetAccounts(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetAccounts}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ExtensionServer).GetAccounts(ctx, req.(*AccountsRequest))
	})
}

func signHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(SignRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExtensionServer).SignDirect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodSignDirect}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ExtensionServer).SignDirect(ctx, req.(*SignRequest))
	})
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ExtensionServer).WatchKeystore(in, &keystoreStream{stream})
}
