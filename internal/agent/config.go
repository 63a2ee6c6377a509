// Copyright 2025 The OpenChoreo Authors
// SPDX-License-Identifier: Apache-2.0

package agent

import "time"

// Config is the agent's full runtime configuration, loaded by
// internal/config.Loader from defaults, a YAML file, environment
// variables, and flags, in that priority order.
type Config struct {
	ServerURL string `koanf:"server_url" validate:"required,url"`
	PlaneType string `koanf:"plane_type" validate:"required,oneof=dataplane buildplane observabilityplane"`
	PlaneID   string `koanf:"plane_id"   validate:"required"`

	TLSEnabled     bool   `koanf:"tls_enabled"`
	ClientCertPath string `koanf:"client_cert_path" validate:"required_if=TLSEnabled true"`
	ClientKeyPath  string `koanf:"client_key_path"  validate:"required_if=TLSEnabled true"`
	ServerCAPath   string `koanf:"server_ca_path"`

	ReconnectDelay time.Duration `koanf:"reconnect_delay" validate:"gt=0"`
	IterationDelay time.Duration `koanf:"iteration_delay" validate:"gt=0"`
	IdentityTTL    time.Duration `koanf:"identity_ttl"    validate:"gt=0"`

	LogLevel  string `koanf:"log_level"  validate:"oneof=debug info warn error"`
	LogFormat string `koanf:"log_format" validate:"oneof=json text"`

	Kubeconfig string `koanf:"kubeconfig"`
	Namespace  string `koanf:"namespace" validate:"required"`

	MetricsAddr string `koanf:"metrics_addr"`
}

// Defaults returns a Config populated with the agent's default values,
// suitable as the base layer for internal/config.Loader.LoadWithDefaults.
func Defaults() Config {
	return Config{
		ServerURL:      "wss://control-service:8443/agent",
		PlaneType:      "dataplane",
		TLSEnabled:     true,
		ClientCertPath: "/certs/tls.crt",
		ClientKeyPath:  "/certs/tls.key",
		ServerCAPath:   "/ca-certs/server-ca.crt",
		ReconnectDelay: 5 * time.Second,
		IterationDelay: 1 * time.Second,
		IdentityTTL:    5 * time.Minute,
		LogLevel:       "info",
		LogFormat:      "json",
		Namespace:      "default",
		MetricsAddr:    ":9090",
	}
}
