/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package upstreamguard

import (
	"errors"
	"time"

	"github.com/acronis/go-appkit/config"

	"github.com/acronis/go-upstreamguard/admission"
	"github.com/acronis/go-upstreamguard/circuitbreaker"
)

const cfgDefaultKeyPrefix = "upstreamGuard"

const (
	cfgKeyMaxConcurrent                   = "maxConcurrent"
	cfgKeyMaxQueueLength                  = "maxQueueLength"
	cfgKeyQueueWaitTimeout                = "queueWaitTimeout"
	cfgKeyRequestTimeout                  = "requestTimeout"
	cfgKeyCircuitBreakerFailureThreshold  = "circuitBreaker.failureThreshold"
	cfgKeyCircuitBreakerResetTimeout      = "circuitBreaker.resetTimeout"
	cfgKeyCircuitBreakerHalfOpenMaxReqs   = "circuitBreaker.halfOpenMaxRequests"
	cfgKeyCircuitBreakerHalfOpenSuccesses = "circuitBreaker.halfOpenSuccessesToClose"
)

// Default parameter values for Config.
const (
	DefaultRequestTimeout = 15 * time.Second
)

// CircuitBreakerConfig represents configuration options for the circuit
// breaker guarding the upstream.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive breaker-worthy failures
	// after which the breaker opens.
	FailureThreshold int `mapstructure:"failureThreshold" yaml:"failureThreshold" json:"failureThreshold"`

	// ResetTimeout is how long the breaker stays open before allowing probes.
	ResetTimeout time.Duration `mapstructure:"resetTimeout" yaml:"resetTimeout" json:"resetTimeout"`

	// HalfOpenMaxRequests is the maximum number of concurrent probe calls in
	// the half-open state.
	HalfOpenMaxRequests int `mapstructure:"halfOpenMaxRequests" yaml:"halfOpenMaxRequests" json:"halfOpenMaxRequests"`

	// HalfOpenSuccessesToClose is the number of consecutive probe successes
	// required to close the breaker.
	HalfOpenSuccessesToClose int `mapstructure:"halfOpenSuccessesToClose" yaml:"halfOpenSuccessesToClose" json:"halfOpenSuccessesToClose"`
}

// Config represents a set of configuration parameters for guarding a single
// upstream. Configuration can be loaded in different formats (YAML, JSON)
// using config.Loader, viper, or with json.Unmarshal/yaml.Unmarshal
// functions directly.
type Config struct {
	// MaxConcurrent is the number of upstream calls that may be in flight at
	// any instant. It should be configured conservatively, well under the
	// upstream's own limits.
	MaxConcurrent int `mapstructure:"maxConcurrent" yaml:"maxConcurrent" json:"maxConcurrent"`

	// MaxQueueLength is the maximum number of callers that may wait for an
	// admission slot at the same time. Zero disables queuing, every excess
	// caller is rejected immediately.
	MaxQueueLength int `mapstructure:"maxQueueLength" yaml:"maxQueueLength" json:"maxQueueLength"`

	// QueueWaitTimeout bounds how long a caller may wait in the admission
	// queue. Zero means waiting is bounded only by the caller's patience.
	QueueWaitTimeout time.Duration `mapstructure:"queueWaitTimeout" yaml:"queueWaitTimeout" json:"queueWaitTimeout"`

	// RequestTimeout is the explicit timeout of every upstream HTTP call.
	RequestTimeout time.Duration `mapstructure:"requestTimeout" yaml:"requestTimeout" json:"requestTimeout"`

	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuitBreaker" yaml:"circuitBreaker" json:"circuitBreaker"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// NewConfig creates a new instance of the Config.
func NewConfig() *Config {
	return NewConfigWithKeyPrefix(cfgDefaultKeyPrefix)
}

// NewConfigWithKeyPrefix creates a new instance of the Config with a key
// prefix. This prefix will be used by config.Loader.
func NewConfigWithKeyPrefix(keyPrefix string) *Config {
	return &Config{keyPrefix: keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		keyPrefix:      cfgDefaultKeyPrefix,
		MaxConcurrent:  admission.DefaultMaxConcurrent,
		MaxQueueLength: admission.DefaultMaxQueueLength,
		RequestTimeout: DefaultRequestTimeout,
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:         circuitbreaker.DefaultFailureThreshold,
			ResetTimeout:             circuitbreaker.DefaultResetTimeout,
			HalfOpenMaxRequests:      circuitbreaker.DefaultHalfOpenMaxRequests,
			HalfOpenSuccessesToClose: circuitbreaker.DefaultHalfOpenSuccessesToClose,
		},
	}
}

// KeyPrefix returns a key prefix with which all configuration parameters
// should be presented. Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values in config.DataProvider.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyMaxConcurrent, admission.DefaultMaxConcurrent)
	dp.SetDefault(cfgKeyMaxQueueLength, admission.DefaultMaxQueueLength)
	dp.SetDefault(cfgKeyRequestTimeout, DefaultRequestTimeout)
	dp.SetDefault(cfgKeyCircuitBreakerFailureThreshold, circuitbreaker.DefaultFailureThreshold)
	dp.SetDefault(cfgKeyCircuitBreakerResetTimeout, circuitbreaker.DefaultResetTimeout)
	dp.SetDefault(cfgKeyCircuitBreakerHalfOpenMaxReqs, circuitbreaker.DefaultHalfOpenMaxRequests)
	dp.SetDefault(cfgKeyCircuitBreakerHalfOpenSuccesses, circuitbreaker.DefaultHalfOpenSuccessesToClose)
}

// Set sets configuration values from config.DataProvider.
func (c *Config) Set(dp config.DataProvider) error {
	maxConcurrent, err := dp.GetInt(cfgKeyMaxConcurrent)
	if err != nil {
		return err
	}
	if maxConcurrent <= 0 {
		return dp.WrapKeyErr(cfgKeyMaxConcurrent, errors.New("must be positive"))
	}
	c.MaxConcurrent = maxConcurrent

	maxQueueLength, err := dp.GetInt(cfgKeyMaxQueueLength)
	if err != nil {
		return err
	}
	if maxQueueLength < 0 {
		return dp.WrapKeyErr(cfgKeyMaxQueueLength, errors.New("must not be negative"))
	}
	c.MaxQueueLength = maxQueueLength

	queueWaitTimeout, err := dp.GetDuration(cfgKeyQueueWaitTimeout)
	if err != nil {
		return err
	}
	if queueWaitTimeout < 0 {
		return dp.WrapKeyErr(cfgKeyQueueWaitTimeout, errors.New("must not be negative"))
	}
	c.QueueWaitTimeout = queueWaitTimeout

	requestTimeout, err := dp.GetDuration(cfgKeyRequestTimeout)
	if err != nil {
		return err
	}
	if requestTimeout <= 0 {
		return dp.WrapKeyErr(cfgKeyRequestTimeout, errors.New("must be positive"))
	}
	c.RequestTimeout = requestTimeout

	failureThreshold, err := dp.GetInt(cfgKeyCircuitBreakerFailureThreshold)
	if err != nil {
		return err
	}
	if failureThreshold <= 0 {
		return dp.WrapKeyErr(cfgKeyCircuitBreakerFailureThreshold, errors.New("must be positive"))
	}
	c.CircuitBreaker.FailureThreshold = failureThreshold

	resetTimeout, err := dp.GetDuration(cfgKeyCircuitBreakerResetTimeout)
	if err != nil {
		return err
	}
	if resetTimeout <= 0 {
		return dp.WrapKeyErr(cfgKeyCircuitBreakerResetTimeout, errors.New("must be positive"))
	}
	c.CircuitBreaker.ResetTimeout = resetTimeout

	halfOpenMaxRequests, err := dp.GetInt(cfgKeyCircuitBreakerHalfOpenMaxReqs)
	if err != nil {
		return err
	}
	if halfOpenMaxRequests <= 0 {
		return dp.WrapKeyErr(cfgKeyCircuitBreakerHalfOpenMaxReqs, errors.New("must be positive"))
	}
	c.CircuitBreaker.HalfOpenMaxRequests = halfOpenMaxRequests

	halfOpenSuccesses, err := dp.GetInt(cfgKeyCircuitBreakerHalfOpenSuccesses)
	if err != nil {
		return err
	}
	if halfOpenSuccesses <= 0 {
		return dp.WrapKeyErr(cfgKeyCircuitBreakerHalfOpenSuccesses, errors.New("must be positive"))
	}
	c.CircuitBreaker.HalfOpenSuccessesToClose = halfOpenSuccesses

	return nil
}
