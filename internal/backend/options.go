package backend

import (
	"context"
	"fmt"
	"net"
	"strconv"

	database "cloud.google.com/go/spanner/admin/database/apiv1"
	spannerapi "cloud.google.com/go/spanner/apiv1"
	sppb "cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/apstndb/adcplus"
	"github.com/apstndb/adcplus/tokensource"
	"github.com/apstndb/go-grpcinterceptors/selectlogging"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	selector "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/selector"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// PingRequestTag tags the liveness probes so that gRPC logging can skip them.
const PingRequestTag = "txmgr_ping"

var defaultClientOpts = []option.ClientOption{
	option.WithGRPCConnectionPool(1),
}

// DialConfig describes how to reach the backend.
type DialConfig struct {
	// Host and Port override the endpoint when both are set.
	Host string
	Port int
	// Endpoint is used when Host and Port are not set.
	Endpoint string

	// Insecure permits plaintext gRPC, typically for the emulator.
	Insecure bool

	WithoutAuthentication     bool
	EnableADCPlus             bool
	ImpersonateServiceAccount string
	Credential                []byte

	// LogGrpc logs every RPC with zap.
	LogGrpc bool
}

// ClientOptions builds the client options for cfg.
func ClientOptions(ctx context.Context, cfg DialConfig) ([]option.ClientOption, error) {
	var opts []option.ClientOption
	switch {
	case cfg.Host != "" && cfg.Port != 0:
		opts = append(opts, option.WithEndpoint(net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))))
	case cfg.Endpoint != "":
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}

	switch {
	case cfg.WithoutAuthentication:
		opts = append(opts, option.WithoutAuthentication())
	case cfg.EnableADCPlus:
		source, err := tokensource.SmartAccessTokenSource(ctx, adcplus.WithCredentialsJSON(cfg.Credential), adcplus.WithTargetPrincipal(cfg.ImpersonateServiceAccount))
		if err != nil {
			return nil, err
		}
		opts = append(opts, option.WithTokenSource(source))
	case len(cfg.Credential) > 0:
		opts = append(opts, option.WithCredentialsJSON(cfg.Credential))
	}

	if cfg.Insecure {
		opts = append(opts, option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	}

	if cfg.LogGrpc {
		opts = append(opts, logGrpcClientOptions()...)
	}

	return append(opts, defaultClientOpts...), nil
}

func logGrpcClientOptions() []option.ClientOption {
	zapDevelopmentConfig := zap.NewDevelopmentConfig()
	zapDevelopmentConfig.DisableCaller = true
	zapLogger, _ := zapDevelopmentConfig.Build(zap.Fields())

	return []option.ClientOption{
		option.WithGRPCDialOption(grpc.WithChainUnaryInterceptor(
			selector.UnaryClientInterceptor(
				logging.UnaryClientInterceptor(InterceptorLogger(zapLogger),
					logging.WithLogOnEvents(logging.FinishCall, logging.PayloadSent, logging.PayloadReceived)),
				selector.MatchFunc(func(ctx context.Context, callMeta interceptors.CallMeta) bool {
					req, ok := callMeta.ReqOrNil.(*sppb.ExecuteSqlRequest)
					return !ok || req.GetRequestOptions().GetRequestTag() != PingRequestTag
				})))),
		option.WithGRPCDialOption(grpc.WithChainStreamInterceptor(
			selectlogging.StreamClientInterceptor(InterceptorLogger(zapLogger), selector.MatchFunc(func(ctx context.Context, callMeta interceptors.CallMeta) bool {
				req, ok := callMeta.ReqOrNil.(*sppb.ExecuteSqlRequest)
				return !ok || req.GetRequestOptions().GetRequestTag() != PingRequestTag
			}), selectlogging.WithLogOnEvents(selectlogging.FinishCall, selectlogging.PayloadSent, selectlogging.PayloadReceived)),
		))}
}

// Open dials the data plane and the database admin API for databasePath.
func Open(ctx context.Context, databasePath string, cfg DialConfig, connOpts ...ConnOption) (*Conn, error) {
	opts, err := ClientOptions(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client, err := spannerapi.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create spanner client: %w", err)
	}

	adminClient, err := database.NewDatabaseAdminClient(ctx, opts...)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create database admin client: %w", err)
	}

	return NewConn(databasePath, client, NewSchemaUpdater(adminClient), connOpts...), nil
}

// DatabasePath formats the resource name of a database.
func DatabasePath(project, instance, database string) string {
	return fmt.Sprintf("projects/%v/instances/%v/databases/%v", project, instance, database)
}
