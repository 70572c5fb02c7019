// Package giftaid decides which Gift Aid track a donation qualifies for and how much
// can be reclaimed. Everything here is a pure function of its inputs.
package giftaid

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/punchamoorthee/giftledger/internal/domain"
)

// DefaultGADSMax is the Small Donations Scheme ceiling in minor units (£30.00).
const DefaultGADSMax int64 = 3000

const (
	ReasonInvalidAmount     = "invalid amount"
	ReasonMissingDonorInfo  = "missing donor info"
	ReasonMissingFirstName  = "missing first name"
	ReasonMissingSurname    = "missing surname"
	ReasonMissingHouseNo    = "missing address: house number"
	ReasonMissingLine1      = "missing address: line 1"
	ReasonMissingTown       = "missing address: town"
	ReasonMissingPostcode   = "missing address: postcode"
	ReasonTaxpayerUnconfirm = "taxpayer status not confirmed"
)

var validate = validator.New()

// fieldReasons maps a GiftAidDonor field to the pending reason raised when it fails validation.
var fieldReasons = map[string]string{
	"FirstName":         ReasonMissingFirstName,
	"Surname":           ReasonMissingSurname,
	"HouseNumber":       ReasonMissingHouseNo,
	"AddressLine1":      ReasonMissingLine1,
	"Town":              ReasonMissingTown,
	"Postcode":          ReasonMissingPostcode,
	"TaxpayerConfirmed": ReasonTaxpayerUnconfirm,
}

// Result is the outcome of classifying one donation.
type Result struct {
	Classification domain.Classification
	ReclaimAmount  int64
	PendingReasons []string
}

// Eligible reports whether the declaration can be claimed as-is.
func (r Result) Eligible() bool {
	return r.Classification != domain.ClassificationPending
}

// Classify applies the rules in order: invalid amount, small-donation scheme, then
// donor completeness for a standard claim.
func Classify(amount int64, donor domain.GiftAidDonor, gadsMax int64) Result {
	if amount <= 0 {
		return Result{
			Classification: domain.ClassificationPending,
			PendingReasons: []string{ReasonInvalidAmount},
		}
	}

	reclaim := ReclaimAmount(amount)
	if amount <= gadsMax {
		return Result{
			Classification: domain.ClassificationGADS,
			ReclaimAmount:  reclaim,
			PendingReasons: []string{},
		}
	}

	reasons := MissingDonorInfo(donor)
	if len(reasons) == 0 {
		return Result{
			Classification: domain.ClassificationStandard,
			ReclaimAmount:  reclaim,
			PendingReasons: []string{},
		}
	}
	return Result{
		Classification: domain.ClassificationPending,
		ReclaimAmount:  reclaim,
		PendingReasons: reasons,
	}
}

// ReclaimAmount is 25% of amount rounded half-up, in integer minor units.
func ReclaimAmount(amount int64) int64 {
	if amount <= 0 {
		return 0
	}
	// amount*25 overflows near MaxInt64, so split off whole quarters first.
	q, r := amount/4, amount%4
	return q + (r*25+50)/100
}

// MissingDonorInfo lists one reason per missing standard-claim requirement, in field order.
func MissingDonorInfo(donor domain.GiftAidDonor) []string {
	donor = TrimDonor(donor)
	err := validate.Struct(donor)
	if err == nil {
		return nil
	}

	var reasons []string
	seen := make(map[string]bool)
	add := func(r string) {
		if !seen[r] {
			seen[r] = true
			reasons = append(reasons, r)
		}
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			if r, ok := fieldReasons[fe.StructField()]; ok {
				add(r)
			}
		}
	}
	if len(reasons) == 0 {
		add(ReasonMissingDonorInfo)
	}
	return reasons
}

// TrimDonor strips surrounding whitespace so blank fields count as missing.
func TrimDonor(d domain.GiftAidDonor) domain.GiftAidDonor {
	d.Title = strings.TrimSpace(d.Title)
	d.FirstName = strings.TrimSpace(d.FirstName)
	d.Surname = strings.TrimSpace(d.Surname)
	d.HouseNumber = strings.TrimSpace(d.HouseNumber)
	d.AddressLine1 = strings.TrimSpace(d.AddressLine1)
	d.AddressLine2 = strings.TrimSpace(d.AddressLine2)
	d.Town = strings.TrimSpace(d.Town)
	d.Postcode = strings.ToUpper(strings.TrimSpace(d.Postcode))
	d.Email = strings.TrimSpace(d.Email)
	return d
}
