package usecase

import (
	"errors"
	"regexp"
	"strings"

	"github.com/kirillkom/ledger-intake/internal/core/domain"
)

// TaxIDValidator checks format and checksum of a party tax identifier.
type TaxIDValidator interface {
	Validate(taxID string) error
}

// JurisdictionClassifier decides which tax scheme a pair of parties should use.
// ok is false when the parties cannot be classified.
type JurisdictionClassifier interface {
	Classify(issuerTaxID, recipientTaxID string) (scheme domain.TaxScheme, ok bool)
}

const taxIDAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"

var (
	stateTaxIDPattern   = regexp.MustCompile(`^[0-9]{2}[A-Z]{5}[0-9]{4}[A-Z][1-9A-Z]Z[0-9A-Z]$`)
	genericTaxIDPattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9/-]{5,19}$`)

	errTaxIDFormat   = errors.New("tax id format is invalid")
	errTaxIDChecksum = errors.New("tax id checksum mismatch")
)

// StateTaxIDValidator accepts 15 character state-prefixed identifiers with a
// mod-36 check character, and generic alphanumeric identifiers otherwise.
type StateTaxIDValidator struct{}

func (StateTaxIDValidator) Validate(taxID string) error {
	id := NormalizeTaxID(taxID)
	if looksStateIssued(id) {
		if len(id) != 15 || !stateTaxIDPattern.MatchString(id) {
			return errTaxIDFormat
		}
		if taxIDCheckChar(id[:14]) != id[14] {
			return errTaxIDChecksum
		}
		return nil
	}
	if !genericTaxIDPattern.MatchString(id) {
		return errTaxIDFormat
	}
	return nil
}

// taxIDCheckChar computes the mod-36 check character over body.
func taxIDCheckChar(body string) byte {
	sum := 0
	for i := 0; i < len(body); i++ {
		value := strings.IndexByte(taxIDAlphabet, body[i])
		if value < 0 {
			return 0
		}
		factor := 1
		if i%2 == 1 {
			factor = 2
		}
		product := value * factor
		sum += product/36 + product%36
	}
	return taxIDAlphabet[(36-sum%36)%36]
}

// StatePrefixClassifier compares the two-digit state codes that prefix both
// parties' identifiers.
type StatePrefixClassifier struct{}

func (StatePrefixClassifier) Classify(issuerTaxID, recipientTaxID string) (domain.TaxScheme, bool) {
	issuer := NormalizeTaxID(issuerTaxID)
	recipient := NormalizeTaxID(recipientTaxID)
	if !isStatePrefixed(issuer) || !isStatePrefixed(recipient) {
		return "", false
	}
	if issuer[:2] == recipient[:2] {
		return domain.TaxSchemeIntra, true
	}
	return domain.TaxSchemeInter, true
}

func NormalizeTaxID(raw string) string {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	return strings.NewReplacer(" ", "", ".", "").Replace(raw)
}

// looksStateIssued matches a two-digit state code followed by a letter.
func looksStateIssued(id string) bool {
	return isStatePrefixed(id) && len(id) > 2 && id[2] >= 'A' && id[2] <= 'Z'
}

func isStatePrefixed(id string) bool {
	return len(id) >= 2 && id[0] >= '0' && id[0] <= '9' && id[1] >= '0' && id[1] <= '9'
}
