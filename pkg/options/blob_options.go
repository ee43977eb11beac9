package options

import (
	"github.com/spf13/pflag"
)

var _ IOptions = (*BlobOptions)(nil)

// BlobOptions configures the optional minio-go-backed offload store used
// for mutation payloads too large to carry inline on the wire.
type BlobOptions struct {
	Endpoint        string `json:"endpoint" mapstructure:"endpoint"`
	AccessKeyID     string `json:"access-key-id" mapstructure:"access-key-id"`
	SecretAccessKey string `json:"secret-access-key" mapstructure:"secret-access-key"`
	UseSSL          bool   `json:"use-ssl" mapstructure:"use-ssl"`
	BucketName      string `json:"bucket-name" mapstructure:"bucket-name"`
	Region          string `json:"region" mapstructure:"region"`

	// InlineMaxBytes is the largest outgoing mutation payload carried
	// inline on the wire; anything larger is uploaded to the bucket and
	// replaced in the wire envelope with a reference. Locally stored
	// payloads are never replaced.
	InlineMaxBytes int `json:"inline-max-bytes" mapstructure:"inline-max-bytes"`
}

func NewBlobOptions() *BlobOptions {
	return &BlobOptions{
		Endpoint:        "s3.datasync.local",
		AccessKeyID:     "admin",
		SecretAccessKey: "public_datasync",
		UseSSL:          true,
		BucketName:      "sync-blobs",
		Region:          "us-east-1",
		InlineMaxBytes:  256 * 1024,
	}
}

func (o *BlobOptions) Validate() []error {
	errs := []error{}

	if o.InlineMaxBytes < 0 {
		errs = append(errs, errInlineMaxBytesNegative{})
	}

	return errs
}

func (o *BlobOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Endpoint, "blob.endpoint", o.Endpoint, "Blob store endpoint (e.g. s3.amazonaws.com or minio.local)")
	fs.StringVar(&o.AccessKeyID, "blob.access-key-id", o.AccessKeyID, "Blob store access key ID")
	fs.StringVar(&o.SecretAccessKey, "blob.secret-access-key", o.SecretAccessKey, "Blob store secret access key")
	fs.BoolVar(&o.UseSSL, "blob.use-ssl", o.UseSSL, "Enable SSL for the blob store connection")
	fs.StringVar(&o.BucketName, "blob.bucket-name", o.BucketName, "Bucket name for offloaded payloads")
	fs.StringVar(&o.Region, "blob.region", o.Region, "Blob store region")
	fs.IntVar(&o.InlineMaxBytes, "blob.inline-max-bytes", o.InlineMaxBytes, "Largest payload size carried inline before offloading to the blob store")
}

type errInlineMaxBytesNegative struct{}

func (errInlineMaxBytesNegative) Error() string {
	return "blob.inline-max-bytes must not be negative"
}
