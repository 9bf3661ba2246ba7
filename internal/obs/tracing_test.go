package obs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInitTracerDisabledExporter(t *testing.T) {
	for _, name := range []string{"none", " OFF "} {
		shutdown, err := InitTracer(context.Background(), TracingConfig{ServiceName: "checkout-gateway", Exporter: name})
		require.NoError(t, err)
		require.NoError(t, shutdown(context.Background()))
	}
}

func TestInitTracerRejectsUnknownExporter(t *testing.T) {
	_, err := InitTracer(context.Background(), TracingConfig{Exporter: "zipkin"})
	require.ErrorContains(t, err, `unsupported tracing exporter "zipkin"`)
}

func TestSamplingRatioClamp(t *testing.T) {
	require.Equal(t, 1.0, samplingRatio(0))
	require.Equal(t, 1.0, samplingRatio(-0.3))
	require.Equal(t, 1.0, samplingRatio(4))
	require.Equal(t, 0.25, samplingRatio(0.25))
}
