/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package server

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/pflag"
	uberzap "go.uber.org/zap"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/config"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/authctl/propagation"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/common/env"
	"github.com/perpetua1g0d/bmstu-diploma/pkg/common/observability/logging"
)

const (
	DefaultHTTPPort         = 8080
	DefaultGrpcHealthPort   = 9005
	DefaultMetricsPort      = 9090
	DefaultServices         = "postgres-a,postgres-b"
	DefaultStoreTimeout     = 5 * time.Second
	DefaultDirectoryTimeout = 5 * time.Second
	ZapLogLevelFlagName     = "zap-log-level"
	ServicesEnvVar          = "SERVICES"
)

// Options contains the command-line configuration for the auth control plane.
type Options struct {
	//
	// Managed services.
	//
	Services       string // Comma separated list of managed services, all on defaults.
	ServicesConfig string // Path to a YAML services file. Takes precedence over Services.
	ConfigMapName  string // Default name of the policy ConfigMap in each service namespace.
	InstancePort   int    // Default port of the instance reload endpoint.
	//
	// Propagation.
	//
	StoreTimeout     time.Duration // Timeout of a single store read or write.
	DirectoryTimeout time.Duration // Timeout of a single instance listing.
	FanoutLimit      int           // Bound on in-flight services and outstanding notifications.
	//
	// Control API.
	//
	HTTPPort      int    // Port of the Control API.
	SecureServing bool   // Serve the Control API over TLS.
	CertPath      string // Directory holding tls.crt and tls.key. Empty uses a self-signed certificate.
	//
	// Diagnostics.
	//
	LogVerbosity        int         // Number for the log level verbosity.
	ZapOptions          zap.Options // Zap logging options.
	MetricsPort         int         // The metrics port.
	GRPCHealthPort      int         // The port for gRPC liveness and readiness probes.
	EnablePprof         bool        // Enables pprof handlers.
	MetricsEndpointAuth bool        // Enables authentication and authorization of the metrics endpoint.
	Tracing             bool        // Enables OpenTelemetry tracing.

	// internal
	fs *pflag.FlagSet // FlagSet used in AddFlags() and consulted in Complete()
}

// NewOptions returns a new Options struct initialized with default values.
func NewOptions() *Options {
	return &Options{
		Services:            DefaultServices,
		ConfigMapName:       config.DefaultConfigMapName,
		InstancePort:        config.DefaultInstancePort,
		StoreTimeout:        DefaultStoreTimeout,
		DirectoryTimeout:    DefaultDirectoryTimeout,
		FanoutLimit:         propagation.DefaultFanoutLimit,
		HTTPPort:            DefaultHTTPPort,
		GRPCHealthPort:      DefaultGrpcHealthPort,
		LogVerbosity:        logging.DEFAULT,
		ZapOptions:          zap.Options{Development: true},
		MetricsPort:         DefaultMetricsPort,
		EnablePprof:         true,
		MetricsEndpointAuth: true,
	}
}

// AddFlags binds the Options fields to command-line flags on the given FlagSet.
func (opts *Options) AddFlags(fs *pflag.FlagSet) {
	if fs == nil {
		fs = pflag.CommandLine
	}
	opts.fs = fs

	fs.StringVar(&opts.Services, "services", opts.Services,
		"Comma separated list of managed services. Falls back to the "+ServicesEnvVar+" environment variable.")
	fs.StringVar(&opts.ServicesConfig, "services-config", opts.ServicesConfig,
		"Path to a YAML file describing the managed services. Takes precedence over --services.")
	fs.StringVar(&opts.ConfigMapName, "configmap-name", opts.ConfigMapName,
		"Default name of the policy ConfigMap in each service namespace.")
	fs.IntVar(&opts.InstancePort, "instance-port", opts.InstancePort,
		"Default port on which instances serve the reload endpoint.")
	fs.DurationVar(&opts.StoreTimeout, "store-timeout", opts.StoreTimeout,
		"Timeout of a single policy store read or write.")
	fs.DurationVar(&opts.DirectoryTimeout, "directory-timeout", opts.DirectoryTimeout,
		"Timeout of a single live instance listing.")
	fs.IntVar(&opts.FanoutLimit, "fanout-limit", opts.FanoutLimit,
		"Maximum number of services and of instance notifications in flight at once.")
	fs.IntVar(&opts.HTTPPort, "http-port", opts.HTTPPort,
		"The port of the Control API.")
	fs.BoolVar(&opts.SecureServing, "secure-serving", opts.SecureServing,
		"Serve the Control API over TLS.")
	fs.StringVar(&opts.CertPath, "cert-path", opts.CertPath,
		"Directory holding tls.crt and tls.key for secure serving, reloaded on change. Empty uses a self-signed certificate.")
	fs.IntVar(&opts.GRPCHealthPort, "grpc-health-port", opts.GRPCHealthPort,
		"The port used for gRPC liveness and readiness probes.")
	fs.IntVar(&opts.MetricsPort, "metrics-port", opts.MetricsPort,
		"The metrics port.")
	fs.BoolVar(&opts.MetricsEndpointAuth, "metrics-endpoint-auth", opts.MetricsEndpointAuth,
		"Enables authentication and authorization of the metrics endpoint.")
	fs.IntVarP(&opts.LogVerbosity, "v", "v", opts.LogVerbosity,
		"Number for the log level verbosity.")
	fs.BoolVar(&opts.EnablePprof, "enable-pprof", opts.EnablePprof,
		"Enables pprof handlers. Defaults to true. Set to false to disable pprof handlers.")
	fs.BoolVar(&opts.Tracing, "tracing", opts.Tracing,
		"Enables OpenTelemetry tracing, configured through the OTEL_* environment variables.")

	// Bind zap flags (zap expects a standard Go FlagSet; pflag.FlagSet is not compatible).
	gofs := flag.NewFlagSet("zap", flag.ExitOnError)
	opts.ZapOptions.BindFlags(gofs)
	fs.AddGoFlagSet(gofs)
}

// Complete performs post-processing of parsed command-line arguments.
func (opts *Options) Complete(logger logr.Logger) error {
	// Derive the zap log level from the -v flag when --zap-log-level is not set explicitly.
	zapLogLevelFlag := opts.fs.Lookup(ZapLogLevelFlagName)
	if zapLogLevelFlag != nil && !zapLogLevelFlag.Changed {
		// See https://pkg.go.dev/sigs.k8s.io/controller-runtime/pkg/log/zap#Options.Level
		opts.ZapOptions.Level = uberzap.NewAtomicLevelAt(logging.LevelForVerbosity(opts.LogVerbosity))
		zapLogLevelFlag.Changed = true
	}

	if servicesFlag := opts.fs.Lookup("services"); servicesFlag == nil || !servicesFlag.Changed {
		opts.Services = env.GetEnvString(ServicesEnvVar, opts.Services, logger)
	}
	return nil
}

// Validate checks the Options for invalid or conflicting values.
func (opts *Options) Validate() error {
	for _, pc := range []struct {
		name string
		port int
	}{
		{"http-port", opts.HTTPPort},
		{"grpc-health-port", opts.GRPCHealthPort},
		{"metrics-port", opts.MetricsPort},
		{"instance-port", opts.InstancePort},
	} {
		if pc.port < 1 || pc.port > 65535 {
			return fmt.Errorf("invalid value %d for flag %q: must be between 1 and 65535", pc.port, pc.name)
		}
	}

	// Validate that the three server ports do not collide.
	ports := map[int]string{
		opts.HTTPPort:       "http-port",
		opts.GRPCHealthPort: "grpc-health-port",
		opts.MetricsPort:    "metrics-port",
	}
	if len(ports) < 3 {
		return fmt.Errorf("port conflict: http-port (%d), grpc-health-port (%d), and metrics-port (%d) must all be different",
			opts.HTTPPort, opts.GRPCHealthPort, opts.MetricsPort)
	}

	for _, tc := range []struct {
		name    string
		timeout time.Duration
	}{
		{"store-timeout", opts.StoreTimeout},
		{"directory-timeout", opts.DirectoryTimeout},
	} {
		if tc.timeout <= 0 {
			return fmt.Errorf("invalid value %s for flag %q: must be positive", tc.timeout, tc.name)
		}
	}

	if opts.CertPath != "" && !opts.SecureServing {
		return fmt.Errorf("flag %q requires %q", "cert-path", "secure-serving")
	}

	if opts.FanoutLimit < 1 {
		return fmt.Errorf("invalid value %d for flag %q: must be >= 1", opts.FanoutLimit, "fanout-limit")
	}
	if opts.ServicesConfig == "" && len(config.ParseServiceList(opts.Services)) == 0 {
		return fmt.Errorf("no managed services: set --services, %s or --services-config", ServicesEnvVar)
	}

	// Validate log verbosity is non-negative.
	if opts.LogVerbosity < 0 {
		return fmt.Errorf("invalid value %d for flag %q: must be >= 0", opts.LogVerbosity, "v")
	}

	return nil
}

// Registry builds the managed service registry from the services file or list.
func (opts *Options) Registry() (*config.Registry, error) {
	services := config.ParseServiceList(opts.Services)
	if opts.ServicesConfig != "" {
		data, err := os.ReadFile(opts.ServicesConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to read services config %q - %w", opts.ServicesConfig, err)
		}
		if services, err = config.LoadFile(data); err != nil {
			return nil, err
		}
	}
	return config.NewRegistry(services, config.Defaults{
		ConfigMapName: opts.ConfigMapName,
		Port:          int32(opts.InstancePort),
	})
}
