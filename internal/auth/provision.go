package auth

import (
	"encoding/base64"
	"fmt"

	"github.com/cdmorrow/vigil/internal/models"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"
)

// Provisioner renders freshly generated TOTP secrets into the material an
// authenticator app ingests during enrollment: the otpauth:// URI and a QR
// code image of it.
type Provisioner struct {
	issuer string
	codec  *TOTPCodec
}

func NewProvisioner(issuer string, codec *TOTPCodec) (*Provisioner, error) {
	if issuer == "" {
		return nil, fmt.Errorf("issuer must not be empty")
	}
	if codec == nil {
		return nil, fmt.Errorf("totp codec must not be nil")
	}
	return &Provisioner{issuer: issuer, codec: codec}, nil
}

// Provision generates a new secret and builds the enrollment payload for
// accountName (the user's email in practice). The returned secret is
// plaintext; the caller seals it before it touches storage.
func (p *Provisioner) Provision(accountName string) (*models.EnrollmentProvision, error) {
	secret, err := p.codec.GenerateSecret()
	if err != nil {
		return nil, err
	}
	raw, err := decodeSecret(secret)
	if err != nil {
		return nil, err
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      p.issuer,
		AccountName: accountName,
		Secret:      raw,
		Period:      TOTPPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   p.otpAlgorithm(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build provisioning key: %w", err)
	}

	qr, err := qrcode.New(key.URL(), qrcode.Highest)
	if err != nil {
		return nil, fmt.Errorf("failed to create QR code: %w", err)
	}
	qrImage, err := qr.PNG(200)
	if err != nil {
		return nil, fmt.Errorf("failed to encode QR code: %w", err)
	}

	return &models.EnrollmentProvision{
		Secret:     key.Secret(),
		OtpauthURL: key.URL(),
		QRCode:     "data:image/png;base64," + base64.StdEncoding.EncodeToString(qrImage),
	}, nil
}

func (p *Provisioner) otpAlgorithm() otp.Algorithm {
	if p.codec.algorithm == AlgorithmSHA256 {
		return otp.AlgorithmSHA256
	}
	return otp.AlgorithmSHA1
}
