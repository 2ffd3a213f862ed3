// Package tracing provides OpenTelemetry tracing options.
package tracing

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/kart-io/sentinel-rag/pkg/options"
)

var _ options.IOptions = (*Options)(nil)

// Exporter 导出器类型。
type Exporter string

// 支持的导出器。
const (
	ExporterOTLPGRPC Exporter = "otlp-grpc"
	ExporterOTLPHTTP Exporter = "otlp-http"
	ExporterStdout   Exporter = "stdout"
	ExporterNoop     Exporter = "noop"
)

// Options defines configuration for OpenTelemetry tracing.
type Options struct {
	// Enabled 关闭时使用全局 no-op tracer，span 不会被记录。
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	// Exporter 导出器类型。
	Exporter Exporter `json:"exporter" mapstructure:"exporter"`

	// Endpoint OTLP 地址，gRPC 为 host:port，HTTP 为 host:port 或完整 URL。
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`

	// Insecure 不使用 TLS 连接 OTLP。
	Insecure bool `json:"insecure" mapstructure:"insecure"`

	// Headers OTLP 请求附加的头。
	Headers map[string]string `json:"headers" mapstructure:"headers"`

	// SampleRatio 根 span 采样比例，子 span 跟随父 span。
	SampleRatio float64 `json:"sample-ratio" mapstructure:"sample-ratio"`

	// Environment 部署环境，写入 deployment.environment。
	Environment string `json:"environment" mapstructure:"environment"`

	// BatchTimeout 批量导出的最长等待时间。
	BatchTimeout time.Duration `json:"batch-timeout" mapstructure:"batch-timeout"`

	// ExportTimeout 单次导出超时。
	ExportTimeout time.Duration `json:"export-timeout" mapstructure:"export-timeout"`
}

// NewOptions creates default tracing options.
func NewOptions() *Options {
	return &Options{
		Enabled:       false,
		Exporter:      ExporterOTLPGRPC,
		Endpoint:      "localhost:4317",
		Insecure:      true,
		Headers:       map[string]string{},
		SampleRatio:   1.0,
		Environment:   "development",
		BatchTimeout:  5 * time.Second,
		ExportTimeout: 30 * time.Second,
	}
}

// AddFlags adds flags for tracing options to the specified FlagSet.
func (o *Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	p := options.Join(prefixes...) + "tracing."
	fs.BoolVar(&o.Enabled, p+"enabled", o.Enabled, "Enable OpenTelemetry tracing.")
	fs.StringVar((*string)(&o.Exporter), p+"exporter", string(o.Exporter), "Span exporter (otlp-grpc, otlp-http, stdout, noop).")
	fs.StringVar(&o.Endpoint, p+"endpoint", o.Endpoint, "OTLP collector endpoint.")
	fs.BoolVar(&o.Insecure, p+"insecure", o.Insecure, "Disable TLS for the OTLP connection.")
	fs.StringToStringVar(&o.Headers, p+"headers", o.Headers, "Extra headers sent with OTLP requests.")
	fs.Float64Var(&o.SampleRatio, p+"sample-ratio", o.SampleRatio, "Fraction of root spans to sample (0 to 1).")
	fs.StringVar(&o.Environment, p+"environment", o.Environment, "Deployment environment attribute.")
	fs.DurationVar(&o.BatchTimeout, p+"batch-timeout", o.BatchTimeout, "Maximum delay before a span batch is exported.")
	fs.DurationVar(&o.ExportTimeout, p+"export-timeout", o.ExportTimeout, "Timeout of a single export.")
}

// Validate validates the tracing options.
func (o *Options) Validate() []error {
	if o == nil || !o.Enabled {
		return nil
	}

	var errs []error
	switch o.Exporter {
	case ExporterOTLPGRPC, ExporterOTLPHTTP:
		if o.Endpoint == "" {
			errs = append(errs, fmt.Errorf("tracing.endpoint is required for the %s exporter", o.Exporter))
		}
	case ExporterStdout, ExporterNoop:
	default:
		errs = append(errs, fmt.Errorf("tracing.exporter %q is not supported", o.Exporter))
	}
	if o.SampleRatio < 0 || o.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample-ratio must be between 0 and 1, got %g", o.SampleRatio))
	}
	if o.BatchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("tracing.batch-timeout must be positive"))
	}
	if o.ExportTimeout <= 0 {
		errs = append(errs, fmt.Errorf("tracing.export-timeout must be positive"))
	}
	return errs
}

// Complete completes the tracing options with defaults.
func (o *Options) Complete() error {
	if o.Headers == nil {
		o.Headers = map[string]string{}
	}
	return nil
}
