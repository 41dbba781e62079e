package cryptoutil

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	_ "crypto/sha256" // registers crypto.SHA256
	_ "crypto/sha512" // registers crypto.SHA384
	"crypto/x509"
	"errors"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"

	"github.com/keithlinneman/linnemanlabs-api/internal/xerrors"
)

// ErrBadSignature is wrapped by every verification failure that is about
// the signature itself rather than the key.
var ErrBadSignature = errors.New("signature does not verify")

type kmsKeyFetcher interface {
	GetPublicKey(ctx context.Context, params *kms.GetPublicKeyInput, optFns ...func(*kms.Options)) (*kms.GetPublicKeyOutput, error)
}

// KMSVerifier checks detached policy signatures made with an asymmetric KMS
// key. The public key is fetched once; verification runs locally.
type KMSVerifier struct {
	client kmsKeyFetcher
	keyID  string

	// AllowPKCS1v15 accepts RSA PKCS1v15 when PSS fails.
	AllowPKCS1v15 bool

	mu     sync.Mutex
	pubKey crypto.PublicKey
}

func NewKMSVerifier(client *kms.Client, keyID string) *KMSVerifier {
	return &KMSVerifier{client: client, keyID: keyID}
}

// PublicKey returns the cached key, fetching it from KMS on first use.
// Failed fetches are not cached.
func (v *KMSVerifier) PublicKey(ctx context.Context) (crypto.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.pubKey != nil {
		return v.pubKey, nil
	}
	pub, err := v.fetch(ctx)
	if err != nil {
		return nil, err
	}
	v.pubKey = pub
	return pub, nil
}

func (v *KMSVerifier) fetch(ctx context.Context) (crypto.PublicKey, error) {
	if v.client == nil {
		return nil, xerrors.New("kms client is not configured")
	}
	out, err := v.client.GetPublicKey(ctx, &kms.GetPublicKeyInput{KeyId: aws.String(v.keyID)})
	if err != nil {
		return nil, xerrors.Wrapf(err, "kms get public key %s", v.keyID)
	}
	if out.KeyUsage != kmstypes.KeyUsageTypeSignVerify {
		return nil, xerrors.Newf("kms key %s has KeyUsage=%s, expected SIGN_VERIFY", v.keyID, out.KeyUsage)
	}
	pub, err := x509.ParsePKIXPublicKey(out.PublicKey)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse kms public key DER")
	}
	return pub, nil
}

// VerifySignature checks signature over message. ECDSA P-256 pairs with
// SHA-256 and P-384 with SHA-384; RSA uses SHA-256 with PSS.
func (v *KMSVerifier) VerifySignature(ctx context.Context, message, signature []byte) error {
	pub, err := v.PublicKey(ctx)
	if err != nil {
		return err
	}
	switch key := pub.(type) {
	case *ecdsa.PublicKey:
		return verifyECDSA(key, message, signature)
	case *rsa.PublicKey:
		return verifyRSA(key, message, signature, v.AllowPKCS1v15)
	default:
		return xerrors.Newf("unsupported public key type: %T", pub)
	}
}

var curveHash = map[string]crypto.Hash{
	"P-256": crypto.SHA256,
	"P-384": crypto.SHA384,
}

func digest(h crypto.Hash, message []byte) []byte {
	hh := h.New()
	hh.Write(message)
	return hh.Sum(nil)
}

func verifyECDSA(key *ecdsa.PublicKey, message, signature []byte) error {
	name := key.Curve.Params().Name
	h, ok := curveHash[name]
	if !ok {
		return xerrors.Newf("unsupported ECDSA curve: %s", name)
	}
	if !ecdsa.VerifyASN1(key, digest(h, message), signature) {
		return xerrors.Wrapf(ErrBadSignature, "ECDSA %s", name)
	}
	return nil
}

func verifyRSA(key *rsa.PublicKey, message, signature []byte, allowPKCS1v15 bool) error {
	d := digest(crypto.SHA256, message)
	err := rsa.VerifyPSS(key, crypto.SHA256, d, signature, nil)
	if err != nil && allowPKCS1v15 {
		err = rsa.VerifyPKCS1v15(key, crypto.SHA256, d, signature)
	}
	if err != nil {
		return xerrors.Wrapf(ErrBadSignature, "RSA: %v", err)
	}
	return nil
}
