package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/tbourn/crm-sync/internal/config"
)

func preserveOTelGlobals(t *testing.T) {
	t.Helper()
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
}

func otelCfg(name string, insecure bool) config.OTELConfig {
	return config.OTELConfig{
		Enabled:     true,
		Insecure:    insecure,
		Endpoint:    "localhost:4317",
		ServiceName: name,
		SampleRatio: 1.0,
	}
}

func TestSetupOTel_Disabled_NoOp(t *testing.T) {
	preserveOTelGlobals(t)
	prevTP := otel.GetTracerProvider()

	cfg := otelCfg("crm-sync", true)
	cfg.Enabled = false
	shutdown, err := SetupOTel(context.Background(), cfg, Build{Version: "dev"})
	if err != nil || shutdown == nil {
		t.Fatalf("SetupOTel err=%v nil shutdown=%v", err, shutdown == nil)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("no-op shutdown: %v", err)
	}
	if otel.GetTracerProvider() != prevTP {
		t.Fatalf("disabled setup replaced the tracer provider")
	}
}

func TestSetupOTel_Enabled(t *testing.T) {
	cases := []struct {
		name     string
		insecure bool
		ctx      func() context.Context
	}{
		{"insecure", true, context.Background},
		{"tls", false, context.Background},
		// exporter connects lazily, so a cancelled ctx still succeeds
		{"cancelled ctx", true, func() context.Context {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			return ctx
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			preserveOTelGlobals(t)

			shutdown, err := SetupOTel(tc.ctx(), otelCfg("crm-sync", tc.insecure), Build{Version: "v1.0.0", Instance: "node-1"})
			if err != nil {
				t.Fatalf("SetupOTel: %v", err)
			}
			if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
				t.Fatalf("expected *sdktrace.TracerProvider, got %T", otel.GetTracerProvider())
			}

			ctx, span := otel.Tracer("services/Persister").Start(context.Background(), "Persist")
			carrier := propagation.MapCarrier{}
			otel.GetTextMapPropagator().Inject(ctx, carrier)
			span.End()
			if carrier.Get("traceparent") == "" {
				t.Fatalf("traceparent not injected: %v", carrier)
			}

			sctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
			defer cancel()
			_ = shutdown(sctx)
		})
	}
}

func TestSetupOTel_SeamErrors_LeaveGlobalsIntact(t *testing.T) {
	origExp, origRes := newOTLPExporterFn, newServiceResourceFn
	t.Cleanup(func() { newOTLPExporterFn, newServiceResourceFn = origExp, origRes })

	cases := []struct {
		name   string
		inject func()
	}{
		{"exporter", func() {
			newOTLPExporterFn = func(context.Context, otlptrace.Client) (*otlptrace.Exporter, error) {
				return nil, errors.New("boom-exporter")
			}
		}},
		{"resource", func() {
			newServiceResourceFn = func(context.Context, string, Build) (*resource.Resource, error) {
				return nil, errors.New("boom-resource")
			}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			preserveOTelGlobals(t)
			newOTLPExporterFn, newServiceResourceFn = origExp, origRes
			tc.inject()

			prevTP := otel.GetTracerProvider()
			prevProp := otel.GetTextMapPropagator()
			if _, err := SetupOTel(context.Background(), otelCfg("crm-sync", true), Build{}); err == nil {
				t.Fatalf("expected error")
			}
			if otel.GetTracerProvider() != prevTP || otel.GetTextMapPropagator() != prevProp {
				t.Fatalf("globals changed on failure")
			}
		})
	}
}

func TestServiceResource_CarriesInstanceID(t *testing.T) {
	res, err := newServiceResourceFn(context.Background(), "crm-sync", Build{Version: "v1", Instance: "node-7"})
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	var name, instance string
	for _, kv := range res.Attributes() {
		switch kv.Key {
		case semconv.ServiceNameKey:
			name = kv.Value.AsString()
		case semconv.ServiceInstanceIDKey:
			instance = kv.Value.AsString()
		}
	}
	if name != "crm-sync" || instance != "node-7" {
		t.Fatalf("service.name=%q service.instance.id=%q", name, instance)
	}
}

func TestClampRatio(t *testing.T) {
	for in, want := range map[float64]float64{-0.5: 0, 0: 0, 0.25: 0.25, 1: 1, 3: 1} {
		if got := clampRatio(in); got != want {
			t.Errorf("clampRatio(%v) = %v; want %v", in, got, want)
		}
	}
}
