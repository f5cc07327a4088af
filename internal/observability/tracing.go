package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/councilproxy/councilproxy/internal/config"
	"github.com/councilproxy/councilproxy/internal/models"
)

const (
	serviceName = "councilproxy"
	tracerName  = "github.com/councilproxy/councilproxy"
)

// Span attribute keys. The gen_ai.* keys follow the OpenTelemetry
// generative AI semantic conventions; the council.* keys are ours.
const (
	AttrRequestID      = "council.request.id"
	AttrSessionID      = "council.session.id"
	AttrPreset         = "council.preset"
	AttrStrategy       = "council.strategy"
	AttrConfidence     = "council.confidence"
	AttrAgreementLevel = "council.agreement_level"
	AttrRound          = "council.round"
	AttrMemberID       = "council.member.id"
	AttrInputTokens    = "gen_ai.usage.input_tokens"
	AttrOutputTokens   = "gen_ai.usage.output_tokens"
)

// SetupTracing configures the global tracer provider from the monitoring
// section. With tracing disabled the provider samples nothing; with an
// OTLP endpoint set spans are batched to it over HTTP, otherwise they go
// to the console exporter.
func SetupTracing(ctx context.Context, cfg config.MonitoringConfig, version string) (*sdktrace.TracerProvider, error) {
	if !cfg.TracingEnabled {
		return setupNoOpProvider(version)
	}

	var exporter sdktrace.SpanExporter
	var err error
	if cfg.OTLPEndpoint != "" {
		exporter, err = setupOTLPExporter(ctx, cfg.OTLPEndpoint)
	} else {
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	if err != nil {
		return nil, fmt.Errorf("observability: create exporter: %w", err)
	}

	res, err := serviceResource(version)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

func setupOTLPExporter(ctx context.Context, endpoint string) (*otlptrace.Exporter, error) {
	return otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
}

func setupNoOpProvider(version string) (*sdktrace.TracerProvider, error) {
	res, err := serviceResource(version)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.NeverSample()),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}

func serviceResource(version string) (*resource.Resource, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: create resource: %w", err)
	}
	return res, nil
}

// ShutdownTracing flushes pending spans and stops the provider.
func ShutdownTracing(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// Tracer wraps the global tracer with spans for the stages of a council
// request. All helpers are safe to use when tracing is disabled.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer returns a tracer bound to the global provider. Call it after
// SetupTracing.
func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(tracerName)}
}

// StartRequest opens the root span for one council request.
func (t *Tracer) StartRequest(ctx context.Context, req models.UserRequest) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "council.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrRequestID, req.ID),
			attribute.String(AttrSessionID, req.SessionID),
			attribute.String(AttrPreset, req.Preset),
		),
	)
}

// StartStage opens a child span for one pipeline stage, such as
// "council.dispatch" or "council.synthesis".
func (t *Tracer) StartStage(ctx context.Context, stage string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, stage)
}

// StartRound opens a child span for one negotiation round.
func (t *Tracer) StartRound(ctx context.Context, round int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "council.negotiation.round",
		trace.WithAttributes(attribute.Int(AttrRound, round)),
	)
}

// RecordDecision annotates a span with the consensus outcome.
func RecordDecision(span trace.Span, decision *models.ConsensusDecision) {
	if decision == nil {
		return
	}
	span.SetAttributes(
		attribute.String(AttrStrategy, decision.SynthesisStrategy),
		attribute.String(AttrConfidence, string(decision.Confidence)),
		attribute.Float64(AttrAgreementLevel, decision.AgreementLevel),
	)
}

// RecordUsage annotates a span with token consumption.
func RecordUsage(span trace.Span, usage models.TokenUsage) {
	span.SetAttributes(
		attribute.Int(AttrInputTokens, usage.Prompt),
		attribute.Int(AttrOutputTokens, usage.Completion),
	)
}

// EndSpan closes a span, recording err when it is not nil.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
