package qr

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/alapierre/go-fiscal-engine/fiscal"
	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"
	"github.com/skip2/go-qrcode"
)

var logger = logrus.WithField("component", "fiscal.qr")

// CodeLength is the number of hex characters of a verification code.
const CodeLength = 8

// PNGSize is the side of the rendered QR image in pixels.
const PNGSize = 300

// VerificationCode derives the printed verification code from the document XML:
// the first CodeLength upper-case hex characters of its SHA-256.
func VerificationCode(documentXML []byte) string {
	sum := sha256.Sum256(documentXML)
	return strings.ToUpper(hex.EncodeToString(sum[:]))[:CodeLength]
}

// VerificationLink builds
// https://{qr-host}/verify/{taxID digits}/{DD-MM-YYYY}/{code}
func VerificationLink(env fiscal.Environment, taxID string, issuedAt time.Time, code string) (string, error) {
	baseQR, err := QRBaseURL(env.BaseURL())
	if err != nil {
		return "", err
	}

	digits, err := normalizeTaxID(taxID)
	if err != nil {
		return "", err
	}
	if len(code) != CodeLength {
		return "", fmt.Errorf("verification code must have %d characters, got %q", CodeLength, code)
	}

	date := issuedAt.Format("02-01-2006")
	link := fmt.Sprintf("%s/verify/%s/%s/%s", strings.TrimRight(baseQR, "/"), digits, date, code)
	logger.Debugf("verification link: %s", link)
	return link, nil
}

// QRBaseURL maps an API base URL onto the public qr host of the same environment.
func QRBaseURL(base string) (string, error) {
	if strings.TrimSpace(base) == "" {
		return "", errors.New("base URL is empty")
	}

	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", errors.Wrap(err, "invalid base URL")
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("base URL must include scheme and host, got: %q", base)
	}

	u.Host = strings.Replace(u.Host, "api.", "qr.", 1)
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""

	return u.String(), nil
}

// PNG renders content as a QR code image.
func PNG(content string) ([]byte, error) {
	return qrcode.Encode(content, qrcode.Medium, PNGSize)
}

var taxIDDigitsRe = regexp.MustCompile(`\D+`)

func normalizeTaxID(taxID string) (string, error) {
	digits := taxIDDigitsRe.ReplaceAllString(taxID, "")
	if len(digits) != 11 && len(digits) != 14 {
		return "", errors.New("tax id must contain 11 or 14 digits")
	}
	return digits, nil
}
