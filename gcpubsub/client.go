package gcpubsub

import (
	"bytes"
	"context"
	"io"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Dependencies 汇总可选协作者；零值字段使用默认实现。
type Dependencies struct {
	Logger          log.Logger
	Meter           metric.Meter
	Tracer          trace.Tracer
	Clock           func() time.Time
	CredentialsJSON []byte
	Dial            DialOptions
	ClientFactory   ClientFactory
}

// DialOptions 描述 gRPC 连接参数。
type DialOptions struct {
	GRPCConnPoolSize int
	Insecure         bool
}

// Credentials 描述客户端认证方式。
type Credentials struct {
	JSON             []byte
	EmulatorEndpoint string
}

// ClientFactory creates the Pub/Sub client. Tests swap it for one bound to an
// in-process server.
type ClientFactory func(ctx context.Context, projectID string, creds Credentials, dial DialOptions) (*pubsub.Client, error)

type resolved struct {
	logger  log.Logger
	meter   metric.Meter
	tracer  trace.Tracer
	clock   func() time.Time
	dial    DialOptions
	factory ClientFactory
	creds   Credentials
}

func resolve(cfg Config, deps Dependencies) resolved {
	r := resolved{
		logger:  deps.Logger,
		meter:   deps.Meter,
		tracer:  deps.Tracer,
		clock:   deps.Clock,
		dial:    deps.Dial,
		factory: deps.ClientFactory,
		creds: Credentials{
			JSON:             bytes.Clone(deps.CredentialsJSON),
			EmulatorEndpoint: cfg.EmulatorEndpoint,
		},
	}
	if r.logger == nil {
		r.logger = log.NewStdLogger(io.Discard)
	}
	if r.meter == nil {
		r.meter = otel.GetMeterProvider().Meter(cfg.MeterName)
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer(cfg.MeterName)
	}
	if r.clock == nil {
		r.clock = time.Now
	}
	if r.dial.GRPCConnPoolSize <= 0 {
		r.dial.GRPCConnPoolSize = defaultGRPCConnPoolSize
	}
	if cfg.EmulatorEndpoint != "" {
		r.dial.Insecure = true
	}
	if r.factory == nil {
		r.factory = defaultClientFactory
	}
	return r
}

// defaultClientFactory 在未提供凭证时走 Application Default Credentials。
func defaultClientFactory(ctx context.Context, projectID string, creds Credentials, dial DialOptions) (*pubsub.Client, error) {
	var opts []option.ClientOption
	switch {
	case creds.EmulatorEndpoint != "":
		opts = append(opts,
			option.WithEndpoint(creds.EmulatorEndpoint),
			option.WithoutAuthentication(),
		)
	case len(creds.JSON) > 0:
		opts = append(opts, option.WithCredentialsJSON(creds.JSON))
	}
	if dial.Insecure {
		opts = append(opts, option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())))
	}
	if dial.GRPCConnPoolSize > 0 {
		opts = append(opts, option.WithGRPCConnectionPool(dial.GRPCConnPoolSize))
	}
	return pubsub.NewClient(ctx, projectID, opts...)
}
