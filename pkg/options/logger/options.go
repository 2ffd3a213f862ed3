// Package logger provides logger configuration options.
package logger

import (
	"fmt"

	"github.com/kart-io/logger"
	"github.com/kart-io/logger/option"
	"github.com/spf13/pflag"
)

// Options wraps option.LogOption. Config file keys follow the LogOption
// field names (level, format, output_paths, ...).
type Options struct {
	option.LogOption `json:",inline" mapstructure:",squash"`
}

// NewOptions creates new Options with defaults.
func NewOptions() *Options {
	o := &Options{LogOption: *option.DefaultLogOption()}
	if o.Rotation == nil {
		o.Rotation = &option.RotationOption{MaxSize: 100, MaxAge: 15, MaxBackups: 30, Compress: true}
	}
	return o
}

// AddFlags adds flags for logger options to the specified FlagSet.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Engine, "log.engine", o.Engine, "Logging engine (zap|slog).")
	fs.StringVar(&o.Level, "log.level", o.Level, "Log level (DEBUG|INFO|WARN|ERROR|FATAL).")
	fs.StringVar(&o.Format, "log.format", o.Format, "Log format (json|console).")
	fs.StringSliceVar(&o.OutputPaths, "log.output-paths", o.OutputPaths, "Log outputs, stdout or file paths.")
	fs.BoolVar(&o.Development, "log.development", o.Development, "Human friendly output with stack traces on warnings.")
	fs.BoolVar(&o.DisableCaller, "log.disable-caller", o.DisableCaller, "Omit the caller field.")
	fs.BoolVar(&o.DisableStacktrace, "log.disable-stacktrace", o.DisableStacktrace, "Omit stack traces on errors.")

	// 输出到文件时的滚动策略
	fs.IntVar(&o.Rotation.MaxSize, "log.rotation.max-size", o.Rotation.MaxSize, "Log file size in MB before rotation.")
	fs.IntVar(&o.Rotation.MaxAge, "log.rotation.max-age", o.Rotation.MaxAge, "Days to keep rotated log files.")
	fs.IntVar(&o.Rotation.MaxBackups, "log.rotation.max-backups", o.Rotation.MaxBackups, "Rotated log files to keep.")
	fs.BoolVar(&o.Rotation.Compress, "log.rotation.compress", o.Rotation.Compress, "Gzip rotated log files.")
}

// Validate validates the logger options.
func (o *Options) Validate() error {
	if err := o.LogOption.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

// Complete completes the logger options with defaults.
func (o *Options) Complete() error {
	if len(o.OutputPaths) == 0 {
		o.OutputPaths = []string{"stdout"}
	}
	return nil
}

// WithService 设置 service.name / service.version 初始字段，
// 每条日志都会携带。
func (o *Options) WithService(name, version string) *Options {
	o.AddInitialField("service.name", name).AddInitialField("service.version", version)
	return o
}

// Init 按配置创建 logger 并替换全局实例。
func (o *Options) Init() error {
	log, err := logger.New(&o.LogOption)
	if err != nil {
		return err
	}
	logger.SetGlobal(log)
	return nil
}
