package policy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/linnemanlabs-api/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-api/internal/log"
	"github.com/keithlinneman/linnemanlabs-api/internal/xerrors"
)

// maxDocumentBytes caps a downloaded policy document.
const maxDocumentBytes = 1 << 20

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type ssmAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SignatureVerifier checks a detached signature over a document.
// *cryptoutil.KMSVerifier implements it.
type SignatureVerifier interface {
	VerifySignature(ctx context.Context, message, signature []byte) error
}

type LoaderOptions struct {
	Logger log.Logger

	// SSMParam holds the sha256 hex of the active document.
	SSMParam string

	// Documents live at s3://{S3Bucket}/{S3Prefix}/{hash}.yaml with an
	// optional detached signature at {hash}.yaml.sig.
	S3Bucket string
	S3Prefix string

	// Verifier, when set, makes the signature mandatory.
	Verifier SignatureVerifier

	AWSConfig *aws.Config

	// test seams
	S3Client  s3API
	SSMClient ssmAPI
}

type Loader struct {
	opts      LoaderOptions
	s3Client  s3API
	ssmClient ssmAPI
	logger    log.Logger
}

func NewLoader(ctx context.Context, opts LoaderOptions) (*Loader, error) {
	if opts.SSMParam == "" {
		return nil, xerrors.New("SSMParam is required")
	}
	if opts.S3Bucket == "" {
		return nil, xerrors.New("S3Bucket is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}

	l := &Loader{opts: opts, s3Client: opts.S3Client, ssmClient: opts.SSMClient, logger: opts.Logger}
	if l.s3Client != nil && l.ssmClient != nil {
		return l, nil
	}

	var awsCfg aws.Config
	if opts.AWSConfig != nil {
		awsCfg = *opts.AWSConfig
	} else {
		var err error
		awsCfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, xerrors.Wrap(err, "load AWS config")
		}
	}
	if l.s3Client == nil {
		l.s3Client = s3.NewFromConfig(awsCfg)
	}
	if l.ssmClient == nil {
		l.ssmClient = ssm.NewFromConfig(awsCfg)
	}
	return l, nil
}

// FetchCurrentHash reads the published document hash from SSM.
func (l *Loader) FetchCurrentHash(ctx context.Context) (string, error) {
	out, err := l.ssmClient.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(l.opts.SSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", xerrors.Wrapf(err, "get SSM parameter %s", l.opts.SSMParam)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", xerrors.Newf("SSM parameter %s has no value", l.opts.SSMParam)
	}
	hash := strings.ToLower(strings.TrimSpace(*out.Parameter.Value))
	if hash == "" {
		return "", xerrors.Newf("SSM parameter %s is empty", l.opts.SSMParam)
	}
	if len(hash) != 64 {
		return "", xerrors.Newf("SSM parameter %s is not a sha256 hex digest", l.opts.SSMParam)
	}
	return hash, nil
}

func (l *Loader) s3Key(hash string) string {
	if l.opts.S3Prefix != "" {
		return fmt.Sprintf("%s/%s.yaml", strings.TrimRight(l.opts.S3Prefix, "/"), hash)
	}
	return hash + ".yaml"
}

func (l *Loader) getObject(ctx context.Context, key string) ([]byte, error) {
	out, err := l.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(l.opts.S3Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "get S3 object s3://%s/%s", l.opts.S3Bucket, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(io.LimitReader(out.Body, maxDocumentBytes+1))
	if err != nil {
		return nil, xerrors.Wrapf(err, "read S3 object s3://%s/%s", l.opts.S3Bucket, key)
	}
	if len(data) > maxDocumentBytes {
		return nil, xerrors.Newf("S3 object s3://%s/%s exceeds %d bytes", l.opts.S3Bucket, key, maxDocumentBytes)
	}
	return data, nil
}

// LoadHash downloads, checksums, verifies and parses the document for hash.
func (l *Loader) LoadHash(ctx context.Context, hash string) (*Snapshot, error) {
	key := l.s3Key(hash)
	l.logger.Info(ctx, "downloading policy document", "bucket", l.opts.S3Bucket, "key", key)

	data, err := l.getObject(ctx, key)
	if err != nil {
		return nil, err
	}

	if actual := cryptoutil.SHA256Hex(data); !cryptoutil.HashEqual(actual, hash) {
		return nil, xerrors.Newf("policy checksum mismatch: expected %s, got %s", hash, actual)
	}

	verified := false
	if l.opts.Verifier != nil {
		sig, err := l.getObject(ctx, key+".sig")
		if err != nil {
			var nsk *s3types.NoSuchKey
			if errors.As(err, &nsk) {
				return nil, xerrors.Newf("policy %s is unsigned and a signature is required", hash)
			}
			return nil, err
		}
		if err := l.opts.Verifier.VerifySignature(ctx, data, sig); err != nil {
			return nil, xerrors.Wrapf(err, "verify policy signature %s", hash)
		}
		verified = true
	}

	doc, err := Parse(data)
	if err != nil {
		return nil, xerrors.Wrapf(err, "policy %s", hash)
	}

	return &Snapshot{
		Doc:      doc,
		Hash:     hash,
		Origin:   OriginS3,
		Verified: verified,
		LoadedAt: time.Now().UTC(),
	}, nil
}

// Load fetches whatever SSM currently points at.
func (l *Loader) Load(ctx context.Context) (*Snapshot, error) {
	hash, err := l.FetchCurrentHash(ctx)
	if err != nil {
		return nil, err
	}
	return l.LoadHash(ctx, hash)
}

// LoadFile reads and parses a local policy document.
func LoadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrapf(err, "read policy file %s", path)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, xerrors.Wrapf(err, "policy file %s", path)
	}
	return &Snapshot{
		Doc:      doc,
		Hash:     cryptoutil.SHA256Hex(data),
		Origin:   OriginFile,
		LoadedAt: time.Now().UTC(),
	}, nil
}
