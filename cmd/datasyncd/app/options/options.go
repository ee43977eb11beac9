// Package options aggregates every configuration fragment datasyncd needs
// into one struct that viper can unmarshal a config file into and pflag
// can bind command-line flags onto, mirroring how each individual
// pkg/options fragment is built to stand alone.
package options

import (
	"errors"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/autopeer-io/datasync/pkg/log"
	"github.com/autopeer-io/datasync/pkg/options"
)

// Options is the full configuration surface for the datasyncd daemon.
type Options struct {
	Log  *log.Options         `json:"log" mapstructure:"log"`
	Mqtt *options.MqttOptions `json:"mqtt" mapstructure:"mqtt"`
	Blob *options.BlobOptions `json:"blob" mapstructure:"blob"`
	HTTP *options.HttpOptions `json:"http" mapstructure:"http"`

	// ModelTypes lists every model type the engine reconciles and
	// subscribes to. At least one is required.
	ModelTypes []string `json:"model-types" mapstructure:"model-types"`

	// EnableBlobOffload turns on the blob store and wires it into the wire
	// client's Mutate/Query/Subscribe payload handling. When false, every
	// payload is carried inline regardless of Blob.InlineMaxBytes.
	EnableBlobOffload bool `json:"enable-blob-offload" mapstructure:"enable-blob-offload"`
}

// NewOptions returns an Options populated with every fragment's defaults.
func NewOptions() *Options {
	return &Options{
		Log:               log.NewOptions(),
		Mqtt:              options.NewMqttOptions(),
		Blob:              options.NewBlobOptions(),
		HTTP:              options.NewHttpOptions(),
		ModelTypes:        nil,
		EnableBlobOffload: false,
	}
}

// AddFlags registers every fragment's flags on fs.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	o.Log.AddFlags(fs)
	o.Mqtt.AddFlags(fs)
	o.Blob.AddFlags(fs)
	o.HTTP.AddFlags(fs)

	fs.StringSliceVar(&o.ModelTypes, "model-types", o.ModelTypes, "Comma-separated list of model types to synchronize.")
	fs.BoolVar(&o.EnableBlobOffload, "enable-blob-offload", o.EnableBlobOffload, "Offload oversized payloads to the blob store instead of carrying them inline.")
}

// Validate runs every fragment's Validate and adds the cross-fragment
// checks that don't belong to any single one.
func (o *Options) Validate() []error {
	errs := []error{}
	errs = append(errs, o.Log.Validate()...)
	errs = append(errs, o.Mqtt.Validate()...)
	errs = append(errs, o.Blob.Validate()...)
	errs = append(errs, o.HTTP.Validate()...)

	if len(o.ModelTypes) == 0 {
		errs = append(errs, errors.New("at least one --model-types entry is required"))
	}
	for _, mt := range o.ModelTypes {
		if mt == "" {
			errs = append(errs, fmt.Errorf("model-types entries must not be empty"))
			break
		}
	}

	return errs
}
